// Package correlator implements the duplex stage placed between a connection
// transport and the application serving it. The stage forwards requests to
// the application and responses back to the transport, and pairs every
// response with the request that produced it, so instrumentation attached to
// a request is reachable while its response is produced.
//
// Pairing is positional: the application must answer requests strictly in
// the order they arrive on a connection. Requests may be pipelined, i.e. many
// can be forwarded before the first response returns.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/flowtrace/internal/flow"
	"gitlab.com/gitlab-org/flowtrace/internal/message"
	"gitlab.com/gitlab-org/flowtrace/internal/metrics"
)

var (
	// ErrUnmatchedResponse is raised when the application pushes a response
	// while no request is pending. It wraps flow.ErrProtocolViolation.
	ErrUnmatchedResponse = fmt.Errorf("%w: response without a pending request", flow.ErrProtocolViolation)

	// ErrStageCompleted is the cancellation cause sent upstream when the
	// application completed its responses and the stage shut down.
	ErrStageCompleted = errors.New("correlator: stage completed")
)

// Transport is the network-facing collaborator: the upstream of requests and
// the downstream of responses. Callbacks run on the stage's event loop and
// must not block.
type Transport interface {
	flow.Upstream
	flow.Downstream[message.Response]
}

// Application is the application-facing collaborator: the downstream of
// requests and the upstream of responses. Callbacks run on the stage's event
// loop and must not block.
type Application interface {
	flow.Upstream
	flow.Downstream[message.Request]
}

// Stage correlates the requests and responses of one connection.
type Stage struct {
	requestIn   *flow.Inlet[message.Request]
	requestOut  *flow.Outlet[message.Request]
	responseIn  *flow.Inlet[message.Response]
	responseOut *flow.Outlet[message.Response]

	transportPort   *TransportPort
	applicationPort *ApplicationPort

	pending pendingQueue
	loop    *flow.Loop

	// Owned by the loop goroutine.
	ctx context.Context
	err error
}

// New wires a stage between transport and app. Nothing flows until Run is
// called.
func New(transport Transport, app Application) *Stage {
	s := &Stage{
		requestIn:   flow.NewInlet[message.Request]("requestIn", transport),
		requestOut:  flow.NewOutlet[message.Request]("requestOut", app),
		responseIn:  flow.NewInlet[message.Response]("responseIn", app),
		responseOut: flow.NewOutlet[message.Response]("responseOut", transport),
		ctx:         context.Background(),
	}
	s.transportPort = &TransportPort{s: s}
	s.applicationPort = &ApplicationPort{s: s}
	s.loop = flow.NewLoop(s.recoverPanic)

	// transport pulls a response, ask the application for one
	s.responseOut.SetHandler(flow.OutHandler{
		OnPull: func() {
			if !s.responseIn.IsClosed() {
				s.responseIn.Pull()
			}
		},
		OnDownstreamFinish: func(cause error) {
			// no response can be paired anymore
			s.clearPending()
			s.responseIn.Cancel(cause)
		},
	})

	// application pulls a request, ask the transport for one
	s.requestOut.SetHandler(flow.OutHandler{
		OnPull: func() {
			if !s.requestIn.IsClosed() {
				s.requestIn.Pull()
			}
		},
		OnDownstreamFinish: func(cause error) {
			// Keep the stage running so a failure already on its way back
			// through the response side still reaches the transport.
			s.requestIn.Cancel(cause)
		},
	})

	s.requestIn.SetHandler(flow.InHandler[message.Request]{
		OnPush:            s.onRequest,
		OnUpstreamFinish:  s.requestOut.Complete,
		OnUpstreamFailure: s.onRequestFailure,
	})

	s.responseIn.SetHandler(flow.InHandler[message.Response]{
		OnPush:            s.onResponse,
		OnUpstreamFinish:  s.onResponsesFinished,
		OnUpstreamFailure: s.onResponseFailure,
	})

	return s
}

// Transport returns the handle the transport signals the stage through.
func (s *Stage) Transport() *TransportPort {
	return s.transportPort
}

// Application returns the handle the application signals the stage through.
// It is also the capability accepted by ActiveCorrelation.
func (s *Stage) Application() *ApplicationPort {
	return s.applicationPort
}

// Run executes the stage until every port is closed or ctx is cancelled. It
// returns the first failure observed on either direction, the context error
// on cancellation, or nil when both directions ended normally.
func (s *Stage) Run(ctx context.Context) error {
	s.ctx = ctx

	go func() {
		select {
		case <-ctx.Done():
			s.post(func() {
				log.WithContextFields(s.ctx, log.Fields{}).Debug("correlator: Run: context done, tearing down")
				s.failStage(ctx.Err())
			})
		case <-s.loop.Done():
		}
	}()

	s.loop.Run()

	return s.err
}

// Done is closed once the stage has terminated.
func (s *Stage) Done() <-chan struct{} {
	return s.loop.Done()
}

// ActiveCorrelation returns the correlation token of the oldest pending
// request, i.e. the request whose response the application is producing. It
// returns false when app is not this stage's application handle, when no
// request is pending or carries no token, or when the stage has terminated.
//
// The query is serialized with all port events, so a caller that pushed a
// response observes the queue after that response was paired. It must not be
// called from a collaborator callback.
func (s *Stage) ActiveCorrelation(ctx context.Context, app *ApplicationPort) (any, bool) {
	if app == nil || app.s != s {
		return nil, false
	}

	reply := make(chan any, 1)
	posted := s.loop.Post(func() {
		d, _ := s.pending.peek()
		token, _ := d.Token()
		reply <- token
	})
	if !posted {
		return nil, false
	}

	select {
	case token := <-reply:
		return token, token != nil
	case <-ctx.Done():
		return nil, false
	case <-s.loop.Done():
		select {
		case token := <-reply:
			return token, token != nil
		default:
			return nil, false
		}
	}
}

func (s *Stage) onRequest(req message.Request) {
	d := message.Extract(req)
	if d.IsEmpty() {
		req = message.Strip(req)
	}

	// Descriptors are only useful while a response can still consume them.
	if !s.responseIn.IsClosed() {
		s.pending.push(d)
		metrics.PendingRequests.Inc()
	}

	s.requestOut.Push(req)
}

func (s *Stage) onRequestFailure(err error) {
	s.recordErr(err)
	log.WithContextFields(s.ctx, log.Fields{"port": s.requestIn.Name()}).WithError(err).Debug("correlator: onRequestFailure: propagating to application")

	s.requestOut.Fail(err)
}

func (s *Stage) onResponse(resp message.Response) {
	d, ok := s.pending.pop()
	if !ok {
		panic(fmt.Errorf("%w: seq %d", ErrUnmatchedResponse, resp.Seq))
	}
	metrics.PendingRequests.Dec()
	metrics.CorrelatedResponses.WithLabelValues(strconv.FormatBool(!d.IsEmpty())).Inc()

	s.responseOut.Push(resp)
}

func (s *Stage) onResponseFailure(err error) {
	s.recordErr(err)
	s.clearPending()
	log.WithContextFields(s.ctx, log.Fields{"port": s.responseIn.Name()}).WithError(err).Debug("correlator: onResponseFailure: propagating to transport")

	s.responseOut.Fail(err)
}

func (s *Stage) onResponsesFinished() {
	s.clearPending()
	log.WithContextFields(s.ctx, log.Fields{"port": s.responseIn.Name()}).Debug("correlator: onResponsesFinished: completing stage")

	s.completeStage()
}

func (s *Stage) completeStage() {
	s.requestOut.Complete()
	s.responseOut.Complete()
	s.requestIn.Cancel(ErrStageCompleted)
	s.responseIn.Cancel(ErrStageCompleted)
}

func (s *Stage) failStage(err error) {
	s.recordErr(err)
	s.clearPending()

	s.requestOut.Fail(err)
	s.responseOut.Fail(err)
	s.requestIn.Cancel(err)
	s.responseIn.Cancel(err)
}

func (s *Stage) clearPending() {
	if n := s.pending.clear(); n > 0 {
		metrics.PendingRequests.Sub(float64(n))
	}
}

func (s *Stage) recordErr(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *Stage) recoverPanic(r any) {
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("correlator: panic in stage: %v", r)
	}

	if errors.Is(err, flow.ErrProtocolViolation) {
		metrics.ProtocolViolations.Inc()
	}

	log.WithContextFields(s.ctx, log.Fields{"pending": s.pending.len()}).WithError(err).Error("correlator: stage failed")

	s.failStage(err)
	s.stopIfClosed()
}

// post runs fn on the loop and stops the loop once every port is closed.
func (s *Stage) post(fn func()) {
	s.loop.Post(func() {
		fn()
		s.stopIfClosed()
	})
}

func (s *Stage) stopIfClosed() {
	if s.requestIn.IsClosed() && s.requestOut.IsClosed() &&
		s.responseIn.IsClosed() && s.responseOut.IsClosed() {
		s.clearPending()
		s.loop.Stop()
	}
}
