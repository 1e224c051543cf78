package handler

import (
	"context"
	"fmt"
	"sync"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/flowtrace/internal/flow"
	"gitlab.com/gitlab-org/flowtrace/internal/instrument"
	"gitlab.com/gitlab-org/flowtrace/internal/message"
)

// Port is the stage side of the application: where requests are pulled from
// and responses are pushed to.
type Port interface {
	PullRequest()
	CancelRequests(cause error)
	PushResponse(resp message.Response)
	CompleteResponses()
	FailResponses(err error)
	ActiveCorrelation(ctx context.Context) (any, bool)
}

// Runner serves the requests of one connection with a Handler. Up to depth
// requests are buffered; they are served one at a time and answered strictly
// in arrival order.
//
// Push, Complete, Fail, Pull and Cancel are called by the stage and never
// block.
type Runner struct {
	handler Handler
	depth   int

	mu        sync.Mutex
	port      Port
	inbox     []message.Request
	pulled    bool
	demand    int
	finished  bool
	failure   error
	cancelled error
	stopped   bool

	wake chan struct{}
	done chan struct{}
}

// NewRunner returns a Runner serving requests with h. depth below one is
// treated as one.
func NewRunner(h Handler, depth int) *Runner {
	if depth < 1 {
		depth = 1
	}

	return &Runner{
		handler: h,
		depth:   depth,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins serving requests from port until the request stream ends,
// responses are cancelled or ctx is done.
func (r *Runner) Start(ctx context.Context, port Port) {
	r.mu.Lock()
	r.port = port
	r.maybePullLocked()
	r.mu.Unlock()

	go r.run(ctx)
}

// Done is closed once the Runner stopped producing responses.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Push receives a request the Runner pulled.
func (r *Runner) Push(req message.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pulled {
		panic(flow.Violation("request %d pushed to runner without a pull", req.Seq))
	}

	r.pulled = false
	r.inbox = append(r.inbox, req)
	r.maybePullLocked()
	r.signal()
}

// Complete marks the end of the request stream. Buffered requests are still
// answered.
func (r *Runner) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished = true
	r.signal()
}

// Fail marks the request stream as broken. The response stream is failed
// with the same error.
func (r *Runner) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished = true
	r.failure = err
	r.signal()
}

// Pull grants demand for one response.
func (r *Runner) Pull() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.demand++
	r.signal()
}

// Cancel stops response production. The request stream is cancelled with
// the same cause.
func (r *Runner) Cancel(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelled = cause
	r.signal()
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) maybePullLocked() {
	if r.port == nil || r.pulled || r.finished || r.stopped || len(r.inbox) >= r.depth {
		return
	}

	r.pulled = true
	r.port.PullRequest()
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	for {
		req, ok := r.next(ctx)
		if !ok {
			return
		}

		resp, err := r.serve(ctx, req)
		if err != nil {
			r.stop(err, func(p Port) {
				p.FailResponses(err)
				p.CancelRequests(err)
			})
			return
		}

		if !r.awaitDemand(ctx) {
			return
		}

		r.mu.Lock()
		r.port.PushResponse(resp)
		r.inbox = r.inbox[1:]
		r.maybePullLocked()
		r.mu.Unlock()
	}
}

// next returns the oldest buffered request, or false once the Runner has
// nothing left to answer.
func (r *Runner) next(ctx context.Context) (message.Request, bool) {
	for {
		r.mu.Lock()
		switch {
		case r.cancelled != nil:
			cause := r.cancelled
			r.mu.Unlock()
			r.stop(cause, func(p Port) { p.CancelRequests(cause) })
			return message.Request{}, false
		case r.failure != nil:
			err := r.failure
			r.mu.Unlock()
			r.stop(err, func(p Port) { p.FailResponses(err) })
			return message.Request{}, false
		case len(r.inbox) > 0:
			req := r.inbox[0]
			r.mu.Unlock()
			return req, true
		case r.finished:
			r.mu.Unlock()
			r.stop(nil, func(p Port) { p.CompleteResponses() })
			return message.Request{}, false
		}
		r.mu.Unlock()

		if !r.wait(ctx) {
			return message.Request{}, false
		}
	}
}

func (r *Runner) awaitDemand(ctx context.Context) bool {
	for {
		r.mu.Lock()
		switch {
		case r.cancelled != nil:
			cause := r.cancelled
			r.mu.Unlock()
			r.stop(cause, func(p Port) { p.CancelRequests(cause) })
			return false
		case r.demand > 0:
			r.demand--
			r.mu.Unlock()
			return true
		}
		r.mu.Unlock()

		if !r.wait(ctx) {
			return false
		}
	}
}

func (r *Runner) wait(ctx context.Context) bool {
	select {
	case <-r.wake:
		return true
	case <-ctx.Done():
		err := ctx.Err()
		r.stop(err, func(p Port) {
			p.FailResponses(err)
			p.CancelRequests(err)
		})
		return false
	}
}

// stop ends response production. Buffered requests are dropped; their traces
// are finished with cause.
func (r *Runner) stop(cause error, signal func(Port)) {
	r.mu.Lock()
	r.stopped = true
	port := r.port
	dropped := r.inbox
	r.inbox = nil
	r.mu.Unlock()

	if cause != nil {
		finishDropped(dropped, cause)
	}

	signal(port)
}

func finishDropped(reqs []message.Request, cause error) {
	for _, req := range reqs {
		token, _ := message.Extract(req).Token()
		if trace, ok := instrument.TraceFromToken(token); ok {
			trace.Finish(message.ErrorResponse(req, cause))
		}
	}
}

// serve runs the handler for req. Handler errors become error responses; a
// returned error means the handler panicked.
func (r *Runner) serve(ctx context.Context, req message.Request) (resp message.Response, err error) {
	token, _ := r.port.ActiveCorrelation(ctx)
	trace, traced := instrument.TraceFromToken(token)

	hctx := ctx
	if traced {
		hctx = trace.Context()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler: panic serving request %d: %v", req.Seq, p)
			log.WithContextFields(hctx, message.RequestAttributes(req)).WithError(err).Error("handler: serve: handler panicked")
		}
	}()

	resp, herr := r.handler.ServeRequest(hctx, req)
	if herr != nil {
		log.WithContextFields(hctx, message.RequestAttributes(req)).WithError(herr).Info("handler: serve: request failed")
		resp = message.ErrorResponse(req, herr)
	}
	resp.Seq = req.Seq

	if traced {
		trace.Finish(resp)
	}

	return resp, nil
}
