// Package handler serves the requests of a connection and produces their
// responses in arrival order.
package handler

import (
	"context"

	"gitlab.com/gitlab-org/flowtrace/internal/message"
)

// Handler produces the response to a single request. A returned error is
// sent to the client as an error response.
type Handler interface {
	ServeRequest(ctx context.Context, req message.Request) (message.Response, error)
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context, req message.Request) (message.Response, error)

// ServeRequest calls f(ctx, req).
func (f Func) ServeRequest(ctx context.Context, req message.Request) (message.Response, error) {
	return f(ctx, req)
}
