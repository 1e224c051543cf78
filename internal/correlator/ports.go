package correlator

import (
	"context"

	"gitlab.com/gitlab-org/flowtrace/internal/message"
)

// TransportPort is the handle the transport uses to signal the stage. All
// methods are asynchronous and safe for concurrent use.
type TransportPort struct {
	s *Stage
}

// PushRequest delivers a request the stage pulled.
func (p *TransportPort) PushRequest(req message.Request) {
	p.s.post(func() { p.s.requestIn.Deliver(req) })
}

// CompleteRequests signals that no more requests will arrive.
func (p *TransportPort) CompleteRequests() {
	p.s.post(p.s.requestIn.Finish)
}

// FailRequests signals that the request stream broke with err.
func (p *TransportPort) FailRequests(err error) {
	p.s.post(func() { p.s.requestIn.Failure(err) })
}

// PullResponse signals that the transport can accept the next response.
func (p *TransportPort) PullResponse() {
	p.s.post(p.s.responseOut.Demand)
}

// CancelResponses signals that the transport no longer accepts responses.
func (p *TransportPort) CancelResponses(cause error) {
	p.s.post(func() { p.s.responseOut.Cancelled(cause) })
}

// ApplicationPort is the handle the application uses to signal the stage. It
// also serves as the capability for querying the active correlation. All
// methods are asynchronous and safe for concurrent use.
type ApplicationPort struct {
	s *Stage
}

// PullRequest signals that the application can accept the next request.
func (p *ApplicationPort) PullRequest() {
	p.s.post(p.s.requestOut.Demand)
}

// CancelRequests signals that the application no longer accepts requests.
func (p *ApplicationPort) CancelRequests(cause error) {
	p.s.post(func() { p.s.requestOut.Cancelled(cause) })
}

// PushResponse delivers the response to the oldest pending request.
func (p *ApplicationPort) PushResponse(resp message.Response) {
	p.s.post(func() { p.s.responseIn.Deliver(resp) })
}

// CompleteResponses signals that the application will produce no more
// responses.
func (p *ApplicationPort) CompleteResponses() {
	p.s.post(p.s.responseIn.Finish)
}

// FailResponses signals that the application's response stream broke with
// err.
func (p *ApplicationPort) FailResponses(err error) {
	p.s.post(func() { p.s.responseIn.Failure(err) })
}

// ActiveCorrelation returns the token of the request whose response is being
// produced. See Stage.ActiveCorrelation.
func (p *ApplicationPort) ActiveCorrelation(ctx context.Context) (any, bool) {
	return p.s.ActiveCorrelation(ctx, p)
}
