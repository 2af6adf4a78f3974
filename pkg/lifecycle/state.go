package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Error
)

var stateNames = []string{"STOPPED", "STARTING", "RUNNING", "STOPPING", "ERROR"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if strings.EqualFold(name, string(text)) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(text))
}

type LogEntry struct {
	Message   string `json:"message"`
	IsError   bool   `json:"isError"`
	Timestamp int64  `json:"timestamp"`
}

func (e LogEntry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
