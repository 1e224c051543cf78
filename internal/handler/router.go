package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gitlab.com/gitlab-org/flowtrace/internal/message"
)

var (
	// ErrUnknownCommand is returned for commands without a route when no
	// backend is configured.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrEmptyCommand is returned for blank request lines.
	ErrEmptyCommand = errors.New("empty command")
)

// Forwarder executes a request on a remote backend.
type Forwarder interface {
	Execute(ctx context.Context, req message.Request) ([]byte, error)
}

// Router dispatches requests by command name.
type Router struct {
	routes   map[string]Handler
	fallback Handler
}

// NewRouter returns a Router with the built-in commands registered. Commands
// without a route are forwarded to backend when it is not nil.
func NewRouter(backend Forwarder) *Router {
	r := &Router{routes: map[string]Handler{}}

	r.Handle("ping", Func(ping))
	r.Handle("echo", Func(echo))

	if backend != nil {
		r.fallback = Forward(backend)
	}

	return r
}

// Handle registers h for command, replacing any previous route.
func (r *Router) Handle(command string, h Handler) {
	r.routes[command] = h
}

// Commands returns the routed command names in lexical order.
func (r *Router) Commands() []string {
	commands := make([]string, 0, len(r.routes))
	for c := range r.routes {
		commands = append(commands, c)
	}
	sort.Strings(commands)

	return commands
}

// ServeRequest implements Handler.
func (r *Router) ServeRequest(ctx context.Context, req message.Request) (message.Response, error) {
	if req.ParseErr != nil {
		return message.Response{}, fmt.Errorf("invalid command line: %w", req.ParseErr)
	}
	if req.Command == "" {
		return message.Response{}, ErrEmptyCommand
	}

	if h, ok := r.routes[req.Command]; ok {
		return h.ServeRequest(ctx, req)
	}

	if r.fallback != nil {
		return r.fallback.ServeRequest(ctx, req)
	}

	return message.Response{}, fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command)
}

// Forward returns a Handler executing every request on backend.
func Forward(backend Forwarder) Handler {
	return Func(func(ctx context.Context, req message.Request) (message.Response, error) {
		payload, err := backend.Execute(ctx, req)
		if err != nil {
			return message.Response{}, err
		}

		return message.NewResponse(req, payload), nil
	})
}

func ping(_ context.Context, req message.Request) (message.Response, error) {
	return message.NewResponse(req, []byte("pong")), nil
}

func echo(_ context.Context, req message.Request) (message.Response, error) {
	return message.NewResponse(req, []byte(strings.Join(req.Args, " "))), nil
}
