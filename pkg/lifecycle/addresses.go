package lifecycle

import (
	"fmt"
	"net"
	"strconv"
)

// Address is a locally reachable address shown to users once the service is running.
type Address struct {
	IP       string `json:"ip"`
	Loopback bool   `json:"loopback"`
}

func (a Address) HostPort(port int) string {
	return net.JoinHostPort(a.IP, strconv.Itoa(port))
}

// DiscoverAddresses lists the loopback address followed by the IPv4 addresses of every interface that
// is up and not a loopback.
func DiscoverAddresses() ([]Address, error) {
	out := []Address{{IP: "127.0.0.1", Loopback: true}}
	ifaces, err := net.Interfaces()
	if err != nil {
		return out, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			out = append(out, Address{IP: ip4.String()})
		}
	}
	return out, nil
}
