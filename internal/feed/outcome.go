package feed

import (
	"fmt"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
)

// ErrorKind classifies why a poll produced no events.
type ErrorKind int

const (
	Network ErrorKind = iota
	Timeout
	RateLimited
	Upstream
	Auth
	Malformed
	Invalid
)

func (k ErrorKind) String() string {
	switch k {
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case RateLimited:
		return "rate_limited"
	case Upstream:
		return "upstream"
	case Auth:
		return "auth"
	case Malformed:
		return "malformed"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Transient reports whether retrying later can plausibly succeed without
// operator action.
func (k ErrorKind) Transient() bool {
	return k != Auth && k != Invalid
}

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome is the result of one poll: either events or a failure, never both.
type Outcome struct {
	Events  []arrivals.Event
	Failure *Error
}

func Success(events []arrivals.Event) Outcome {
	if events == nil {
		events = []arrivals.Event{}
	}
	return Outcome{Events: events}
}

func Failure(kind ErrorKind, err error) Outcome {
	return Outcome{Failure: &Error{Kind: kind, Err: err}}
}

func (o Outcome) OK() bool { return o.Failure == nil }

// Kind returns a metrics label for the outcome.
func (o Outcome) Kind() string {
	if o.Failure == nil {
		return "success"
	}
	return o.Failure.Kind.String()
}
