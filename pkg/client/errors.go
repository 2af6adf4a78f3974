package client

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindDecode
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindDecode:
		return "decode"
	case KindStatus:
		return "status"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// RequestError is the failure half of every request the agent makes.
type RequestError struct {
	Kind       Kind
	Op         string
	StatusCode int
	// Message is the server's explanation for a non-success status, when it sent one.
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	switch {
	case e.Kind == KindStatus && e.Message != "":
		return fmt.Sprintf("%s: unexpected status code %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Kind == KindStatus:
		return fmt.Sprintf("%s: unexpected status code %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a RequestError of kind k.
func IsKind(err error, k Kind) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Kind == k
}

func transportError(op string, err error) *RequestError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &RequestError{Kind: KindTimeout, Op: op, Err: err}
	}
	return &RequestError{Kind: KindNetwork, Op: op, Err: err}
}
