package flow

// Inlet is the receiving port of a stage. Its methods must only be called
// from the Loop that owns the stage.
type Inlet[T any] struct {
	name     string
	upstream Upstream
	handler  InHandler[T]

	pulled bool
	closed bool
}

// NewInlet returns an open inlet connected to upstream.
func NewInlet[T any](name string, upstream Upstream) *Inlet[T] {
	return &Inlet[T]{name: name, upstream: upstream}
}

// Name returns the port name used in logs and errors.
func (in *Inlet[T]) Name() string { return in.name }

// SetHandler installs the callbacks for events on this inlet.
func (in *Inlet[T]) SetHandler(h InHandler[T]) { in.handler = h }

// IsClosed reports whether the inlet was cancelled or its upstream finished.
func (in *Inlet[T]) IsClosed() bool { return in.closed }

// HasBeenPulled reports whether a pull is outstanding.
func (in *Inlet[T]) HasBeenPulled() bool { return in.pulled }

// Pull requests the next element from upstream. Pulling twice without an
// element arriving in between is a protocol violation.
func (in *Inlet[T]) Pull() {
	if in.closed {
		panic(Violation("pull on closed inlet %s", in.name))
	}
	if in.pulled {
		panic(Violation("double pull on inlet %s", in.name))
	}

	in.pulled = true
	in.upstream.Pull()
}

// Cancel closes the inlet and tells upstream to stop. It is a no-op on a
// closed inlet.
func (in *Inlet[T]) Cancel(cause error) {
	if in.closed {
		return
	}

	in.closed = true
	in.pulled = false
	in.upstream.Cancel(cause)
}

// Deliver dispatches an element pushed by upstream. Elements arriving after
// the inlet was cancelled are dropped; they crossed the cancellation.
func (in *Inlet[T]) Deliver(elem T) {
	if in.closed {
		return
	}
	if !in.pulled {
		panic(Violation("push without pull on inlet %s", in.name))
	}

	in.pulled = false
	if in.handler.OnPush != nil {
		in.handler.OnPush(elem)
	}
}

// Finish dispatches normal completion of upstream.
func (in *Inlet[T]) Finish() {
	if in.closed {
		return
	}

	in.closed = true
	in.pulled = false
	if in.handler.OnUpstreamFinish != nil {
		in.handler.OnUpstreamFinish()
	}
}

// Failure dispatches failure of upstream.
func (in *Inlet[T]) Failure(err error) {
	if in.closed {
		return
	}

	in.closed = true
	in.pulled = false
	if in.handler.OnUpstreamFailure != nil {
		in.handler.OnUpstreamFailure(err)
	}
}

// Outlet is the emitting port of a stage. Its methods must only be called
// from the Loop that owns the stage.
type Outlet[T any] struct {
	name       string
	downstream Downstream[T]
	handler    OutHandler

	available bool
	closed    bool
}

// NewOutlet returns an open outlet connected to downstream.
func NewOutlet[T any](name string, downstream Downstream[T]) *Outlet[T] {
	return &Outlet[T]{name: name, downstream: downstream}
}

// Name returns the port name used in logs and errors.
func (out *Outlet[T]) Name() string { return out.name }

// SetHandler installs the callbacks for events on this outlet.
func (out *Outlet[T]) SetHandler(h OutHandler) { out.handler = h }

// IsClosed reports whether the outlet was completed, failed or cancelled.
func (out *Outlet[T]) IsClosed() bool { return out.closed }

// IsAvailable reports whether downstream pulled and awaits an element.
func (out *Outlet[T]) IsAvailable() bool { return out.available && !out.closed }

// Push emits elem. Pushing without outstanding demand is a protocol
// violation.
func (out *Outlet[T]) Push(elem T) {
	if out.closed {
		panic(Violation("push on closed outlet %s", out.name))
	}
	if !out.available {
		panic(Violation("push without demand on outlet %s", out.name))
	}

	out.available = false
	out.downstream.Push(elem)
}

// Complete closes the outlet normally. It is a no-op on a closed outlet.
func (out *Outlet[T]) Complete() {
	if out.closed {
		return
	}

	out.closed = true
	out.available = false
	out.downstream.Complete()
}

// Fail closes the outlet with err. It is a no-op on a closed outlet.
func (out *Outlet[T]) Fail(err error) {
	if out.closed {
		return
	}

	out.closed = true
	out.available = false
	out.downstream.Fail(err)
}

// Demand dispatches a pull from downstream. Pulls on a closed outlet are
// dropped.
func (out *Outlet[T]) Demand() {
	if out.closed {
		return
	}
	if out.available {
		panic(Violation("double pull on outlet %s", out.name))
	}

	out.available = true
	if out.handler.OnPull != nil {
		out.handler.OnPull()
	}
}

// Cancelled dispatches cancellation from downstream.
func (out *Outlet[T]) Cancelled(cause error) {
	if out.closed {
		return
	}

	out.closed = true
	out.available = false
	if out.handler.OnDownstreamFinish != nil {
		out.handler.OnDownstreamFinish(cause)
	}
}
