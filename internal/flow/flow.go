// Package flow provides the pull/push port protocol used by duplex stages.
//
// A stage owns inlets and outlets. An inlet receives elements from an
// Upstream producer after the stage pulled it; an outlet delivers elements to
// a Downstream consumer after that consumer pulled it. At most one element is
// in transit on a port at any time. All port events of one stage are executed
// by a single Loop, so handlers never run concurrently.
package flow

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation marks a broken pull/push contract: a push without a
// preceding pull, a double pull, or a stage-specific ordering violation.
var ErrProtocolViolation = errors.New("flow: protocol violation")

// Upstream is the producing side connected to an inlet.
type Upstream interface {
	// Pull asks for the next element.
	Pull()
	// Cancel tells the producer no more elements will be accepted.
	Cancel(cause error)
}

// Downstream is the consuming side connected to an outlet.
type Downstream[T any] interface {
	// Push delivers an element the consumer previously pulled.
	Push(elem T)
	// Complete signals that no more elements will follow.
	Complete()
	// Fail signals that no more elements will follow because of err.
	Fail(err error)
}

// Violation returns an error wrapping ErrProtocolViolation.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// InHandler reacts to events arriving on an inlet.
type InHandler[T any] struct {
	OnPush            func(elem T)
	OnUpstreamFinish  func()
	OnUpstreamFailure func(err error)
}

// OutHandler reacts to events arriving on an outlet.
type OutHandler struct {
	OnPull             func()
	OnDownstreamFinish func(cause error)
}
