package flow

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	elems  []string
	err    error
}

func (r *recorder) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Pull()              { r.record("pull") }
func (r *recorder) Cancel(cause error) { r.record("cancel"); r.err = cause }
func (r *recorder) Push(elem string)   { r.record("push"); r.elems = append(r.elems, elem) }
func (r *recorder) Complete()          { r.record("complete") }
func (r *recorder) Fail(err error)     { r.record("fail"); r.err = err }

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestInletPullDeliver(t *testing.T) {
	up := &recorder{}
	in := NewInlet[string]("in", up)

	var got []string
	in.SetHandler(InHandler[string]{OnPush: func(elem string) { got = append(got, elem) }})

	in.Pull()
	require.True(t, in.HasBeenPulled())
	in.Deliver("a")
	require.False(t, in.HasBeenPulled())

	require.Equal(t, []string{"a"}, got)
	require.Equal(t, []string{"pull"}, up.Events())
}

func TestInletViolations(t *testing.T) {
	testCases := []struct {
		desc string
		run  func(in *Inlet[string])
	}{
		{desc: "push without pull", run: func(in *Inlet[string]) { in.Deliver("a") }},
		{desc: "double pull", run: func(in *Inlet[string]) { in.Pull(); in.Pull() }},
		{desc: "pull after cancel", run: func(in *Inlet[string]) { in.Cancel(nil); in.Pull() }},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			in := NewInlet[string]("in", &recorder{})

			defer func() {
				r := recover()
				require.NotNil(t, r)
				err, ok := r.(error)
				require.True(t, ok)
				require.ErrorIs(t, err, ErrProtocolViolation)
			}()

			tc.run(in)
		})
	}
}

func TestInletLateEventsAfterCancelAreDropped(t *testing.T) {
	up := &recorder{}
	in := NewInlet[string]("in", up)

	called := false
	in.SetHandler(InHandler[string]{
		OnPush:            func(string) { called = true },
		OnUpstreamFinish:  func() { called = true },
		OnUpstreamFailure: func(error) { called = true },
	})

	cause := errors.New("stop")
	in.Pull()
	in.Cancel(cause)
	in.Cancel(cause)

	require.NotPanics(t, func() {
		in.Deliver("late")
		in.Finish()
		in.Failure(errors.New("late"))
	})
	require.False(t, called)
	require.True(t, in.IsClosed())
	require.Equal(t, []string{"pull", "cancel"}, up.Events())
	require.Equal(t, cause, up.err)
}

func TestInletFinishAndFailure(t *testing.T) {
	var finished bool
	var failed error

	in := NewInlet[string]("in", &recorder{})
	in.SetHandler(InHandler[string]{
		OnUpstreamFinish:  func() { finished = true },
		OnUpstreamFailure: func(err error) { failed = err },
	})
	in.Finish()
	require.True(t, finished)
	require.True(t, in.IsClosed())

	in2 := NewInlet[string]("in2", &recorder{})
	in2.SetHandler(InHandler[string]{OnUpstreamFailure: func(err error) { failed = err }})
	cause := errors.New("broken")
	in2.Failure(cause)
	require.Equal(t, cause, failed)
	require.True(t, in2.IsClosed())
}

func TestOutletDemandPush(t *testing.T) {
	down := &recorder{}
	out := NewOutlet[string]("out", down)

	pulls := 0
	out.SetHandler(OutHandler{OnPull: func() { pulls++ }})

	out.Demand()
	require.True(t, out.IsAvailable())
	out.Push("a")
	require.False(t, out.IsAvailable())

	require.Equal(t, 1, pulls)
	require.Equal(t, []string{"a"}, down.elems)
}

func TestOutletViolations(t *testing.T) {
	testCases := []struct {
		desc string
		run  func(out *Outlet[string])
	}{
		{desc: "push without demand", run: func(out *Outlet[string]) { out.Push("a") }},
		{desc: "double demand", run: func(out *Outlet[string]) { out.Demand(); out.Demand() }},
		{desc: "push after complete", run: func(out *Outlet[string]) { out.Complete(); out.Push("a") }},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			out := NewOutlet[string]("out", &recorder{})

			defer func() {
				r := recover()
				require.NotNil(t, r)
				require.ErrorIs(t, r.(error), ErrProtocolViolation)
			}()

			tc.run(out)
		})
	}
}

func TestOutletCloseIsIdempotent(t *testing.T) {
	down := &recorder{}
	out := NewOutlet[string]("out", down)

	var cancelled error
	out.SetHandler(OutHandler{OnDownstreamFinish: func(cause error) { cancelled = cause }})

	out.Complete()
	out.Complete()
	out.Fail(errors.New("ignored"))
	out.Cancelled(errors.New("ignored"))
	out.Demand()

	require.Nil(t, cancelled)
	require.Equal(t, []string{"complete"}, down.Events())
	require.False(t, out.IsAvailable())
}

func TestOutletCancelled(t *testing.T) {
	out := NewOutlet[string]("out", &recorder{})

	var cancelled error
	out.SetHandler(OutHandler{OnDownstreamFinish: func(cause error) { cancelled = cause }})

	cause := errors.New("gone")
	out.Cancelled(cause)

	require.Equal(t, cause, cancelled)
	require.True(t, out.IsClosed())
}

func TestViolationWraps(t *testing.T) {
	err := Violation("response %d without request", 3)

	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Contains(t, err.Error(), "response 3 without request")
}

func runLoop(t *testing.T, l *Loop) {
	t.Helper()

	go l.Run()
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
}

func TestLoopRunsEventsInOrder(t *testing.T) {
	l := NewLoop(nil)
	runLoop(t, l)

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	l.Post(func() { close(done) })

	<-done
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestLoopPostFromInsideEvent(t *testing.T) {
	l := NewLoop(nil)
	runLoop(t, l)

	var order []string
	done := make(chan struct{})
	l.Post(func() {
		order = append(order, "outer:start")
		l.Post(func() {
			order = append(order, "inner")
			close(done)
		})
		order = append(order, "outer:end")
	})

	<-done
	require.Equal(t, []string{"outer:start", "outer:end", "inner"}, order)
}

func TestLoopStopDropsQueuedEvents(t *testing.T) {
	l := NewLoop(nil)

	ran := false
	l.Post(func() { l.Stop() })
	l.Post(func() { ran = true })

	go l.Run()

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	require.False(t, ran)
	require.False(t, l.Post(func() {}))
}

func TestLoopRecoversPanics(t *testing.T) {
	recovered := make(chan any, 1)
	l := NewLoop(func(r any) { recovered <- r })
	runLoop(t, l)

	l.Post(func() { panic("boom") })

	done := make(chan struct{})
	l.Post(func() { close(done) })
	<-done

	require.Equal(t, "boom", <-recovered)
}
