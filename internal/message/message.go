// Package message defines the request and response envelopes exchanged between
// the transport, the correlation stage and the application.
package message

import (
	"bytes"

	shellwords "github.com/mattn/go-shellwords"

	"gitlab.com/gitlab-org/flowtrace/internal/descriptor"
)

// Request is a single command received on a connection.
type Request struct {
	// Seq is the 1-based arrival position of the request on its connection.
	Seq     uint64
	Command string
	Args    []string
	Payload []byte
	// ParseErr is set when Payload could not be split into a command line.
	ParseErr error

	// descriptor is the out-of-band slot set by instrumentation. It never
	// touches Payload.
	descriptor descriptor.Descriptor
}

// Response is the answer to exactly one Request.
type Response struct {
	Seq     uint64
	Payload []byte
	// Err holds the message of an error response. Empty for successful ones.
	Err string
}

// NewRequest builds the request for the seq-th packet of a connection.
func NewRequest(seq uint64, payload []byte) Request {
	req := Request{Seq: seq, Payload: payload}

	line := string(bytes.TrimRight(payload, "\r\n"))
	args, err := shellwords.Parse(line)
	if err != nil {
		req.ParseErr = err
		return req
	}

	if len(args) > 0 {
		req.Command = args[0]
		req.Args = args[1:]
	}

	return req
}

// NewResponse builds a successful response to req.
func NewResponse(req Request, payload []byte) Response {
	return Response{Seq: req.Seq, Payload: payload}
}

// ErrorResponse builds an error response to req.
func ErrorResponse(req Request, err error) Response {
	return Response{Seq: req.Seq, Err: err.Error()}
}

// IsError reports whether resp is an error response.
func (resp Response) IsError() bool {
	return resp.Err != ""
}

// Attach returns a copy of req carrying token in its descriptor slot.
func Attach(req Request, token any) Request {
	req.descriptor = descriptor.New(token)
	return req
}

// Extract returns the descriptor attached to req, or the empty descriptor.
func Extract(req Request) descriptor.Descriptor {
	return req.descriptor
}

// Strip returns a copy of req with its descriptor slot cleared.
func Strip(req Request) Request {
	req.descriptor = descriptor.Empty()
	return req
}
