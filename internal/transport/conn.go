// Package transport adapts a network connection speaking pkt-lines to the
// transport side of a correlation stage.
//
// Every data packet received is one request. A flush packet or the end of the
// stream completes the request direction. Responses are written back as data
// packets, error responses as 'ERR <message>' packets, and the response
// direction ends with a flush packet.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/flowtrace/internal/flow"
	"gitlab.com/gitlab-org/flowtrace/internal/message"
	"gitlab.com/gitlab-org/flowtrace/internal/pktline"
)

// ErrIdleTimeout fails the request direction of a connection that sent no
// request within the idle timeout.
var ErrIdleTimeout = errors.New("transport: idle timeout")

// Port is the stage side of the transport.
type Port interface {
	PushRequest(req message.Request)
	CompleteRequests()
	FailRequests(err error)
	PullResponse()
	CancelResponses(cause error)
}

// Instrumenter may attach a correlation token to each incoming request.
type Instrumenter interface {
	Start(ctx context.Context, req message.Request) message.Request
}

// Conn serves one network connection. Pull, Cancel, Push, Complete and Fail
// are called by the stage and never block.
type Conn struct {
	nconn        net.Conn
	instrumenter Instrumenter
	idleTimeout  time.Duration

	mu sync.Mutex
	// request direction
	demand    int
	cancelled bool
	// response direction
	responses []message.Response
	finished  bool
	failure   error

	readWake  chan struct{}
	writeWake chan struct{}
}

// New returns a Conn reading requests from and writing responses to nconn.
// instrumenter may be nil. A zero idleTimeout disables the idle timeout.
func New(nconn net.Conn, instrumenter Instrumenter, idleTimeout time.Duration) *Conn {
	return &Conn{
		nconn:        nconn,
		instrumenter: instrumenter,
		idleTimeout:  idleTimeout,
		readWake:     make(chan struct{}, 1),
		writeWake:    make(chan struct{}, 1),
	}
}

// Pull asks for the next request.
func (c *Conn) Pull() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.demand++
	wake(c.readWake)
}

// Cancel stops reading requests.
func (c *Conn) Cancel(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelled = true
	wake(c.readWake)

	// unblock a pending read
	_ = c.nconn.SetReadDeadline(time.Now())
}

// Push queues resp for writing.
func (c *Conn) Push(resp message.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.responses = append(c.responses, resp)
	wake(c.writeWake)
}

// Complete ends the response direction once queued responses are written.
func (c *Conn) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finished = true
	wake(c.writeWake)
}

// Fail ends the response direction with err.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finished = true
	c.failure = err
	wake(c.writeWake)
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Serve pumps requests into port and writes the responses it produces until
// the response direction ends or ctx is done. It returns the error that ended
// the connection, or nil when every response was written.
func (c *Conn) Serve(ctx context.Context, port Port) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readRequests(ctx, port) }()

	err := c.writeResponses(ctx, port)

	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	wake(c.readWake)
	_ = c.nconn.SetReadDeadline(time.Now())

	if rerr := <-readErr; err == nil {
		err = rerr
	}

	return err
}

func (c *Conn) readRequests(ctx context.Context, port Port) error {
	scanner := pktline.NewScanner(c.nconn)
	var seq uint64

	for {
		if !c.awaitDemand(ctx) {
			return nil
		}

		if c.idleTimeout > 0 {
			_ = c.nconn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}

		if !scanner.Scan() {
			if c.isCancelled() {
				return nil
			}

			err := scanner.Err()
			if err == nil {
				port.CompleteRequests()
				return nil
			}

			if errors.Is(err, os.ErrDeadlineExceeded) {
				err = ErrIdleTimeout
			} else {
				err = fmt.Errorf("transport: read request: %w", err)
			}

			port.FailRequests(err)
			return err
		}

		pkt := scanner.Bytes()
		if pktline.IsFlush(pkt) {
			port.CompleteRequests()
			return nil
		}
		if pktline.IsSpecial(pkt) {
			continue
		}

		seq++
		req := message.NewRequest(seq, pktline.Data(pkt))
		if c.instrumenter != nil {
			req = c.instrumenter.Start(ctx, req)
		}

		c.mu.Lock()
		c.demand--
		c.mu.Unlock()

		port.PushRequest(req)
	}
}

func (c *Conn) awaitDemand(ctx context.Context) bool {
	for {
		c.mu.Lock()
		cancelled, demand := c.cancelled, c.demand
		c.mu.Unlock()

		switch {
		case cancelled:
			return false
		case demand > 0:
			return true
		}

		select {
		case <-c.readWake:
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Conn) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cancelled
}

func (c *Conn) writeResponses(ctx context.Context, port Port) error {
	port.PullResponse()

	for {
		c.mu.Lock()
		switch {
		case len(c.responses) > 0:
			resp := c.responses[0]
			c.responses = c.responses[1:]
			c.mu.Unlock()

			if err := c.writeResponse(resp); err != nil {
				err = fmt.Errorf("transport: write response: %w", err)
				port.CancelResponses(err)
				return err
			}

			port.PullResponse()
			continue
		case c.failure != nil:
			err := c.failure
			c.mu.Unlock()

			msg := err.Error()
			if errors.Is(err, flow.ErrProtocolViolation) {
				msg = "internal error"
			}
			if werr := pktline.WriteError(c.nconn, msg); werr != nil {
				log.WithContextFields(ctx, log.Fields{}).WithError(werr).Debug("transport: writeResponses: failed to report failure")
			}

			return err
		case c.finished:
			c.mu.Unlock()
			return pktline.WriteFlush(c.nconn)
		}
		c.mu.Unlock()

		select {
		case <-c.writeWake:
		case <-ctx.Done():
			port.CancelResponses(ctx.Err())
			return ctx.Err()
		}
	}
}

func (c *Conn) writeResponse(resp message.Response) error {
	if resp.IsError() {
		return pktline.WriteError(c.nconn, resp.Err)
	}

	payload := resp.Payload
	if len(payload) > pktline.MaxDataSize {
		return pktline.WriteError(c.nconn, fmt.Sprintf("response of %d bytes exceeds the packet limit", len(payload)))
	}

	return pktline.Write(c.nconn, payload)
}
