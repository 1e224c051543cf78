package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/labkit/correlation"

	"gitlab.com/gitlab-org/flowtrace/internal/config"
	"gitlab.com/gitlab-org/flowtrace/internal/correlator"
	"gitlab.com/gitlab-org/flowtrace/internal/instrument"
	"gitlab.com/gitlab-org/flowtrace/internal/message"
	"gitlab.com/gitlab-org/flowtrace/internal/metrics"
)

const eventually = 5 * time.Second

type fakePort struct {
	mu        sync.Mutex
	pulls     int
	responses []message.Response
	completed bool
	failed    error
	cancelled error
	token     any
}

func (p *fakePort) PullRequest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulls++
}

func (p *fakePort) CancelRequests(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = cause
}

func (p *fakePort) PushResponse(resp message.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
}

func (p *fakePort) CompleteResponses() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = true
}

func (p *fakePort) FailResponses(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = err
}

func (p *fakePort) ActiveCorrelation(context.Context) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, p.token != nil
}

func (p *fakePort) Pulls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulls
}

func (p *fakePort) Responses() []message.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message.Response(nil), p.responses...)
}

func (p *fakePort) state() (bool, error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.failed, p.cancelled
}

func startRunner(t *testing.T, h Handler, depth int) (*Runner, *fakePort) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	port := &fakePort{}
	runner := NewRunner(h, depth)
	runner.Start(ctx, port)

	t.Cleanup(func() {
		cancel()
		<-runner.Done()
	})

	return runner, port
}

func requireDone(t *testing.T, r *Runner) {
	t.Helper()

	select {
	case <-r.Done():
	case <-time.After(eventually):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerAnswersInOrder(t *testing.T) {
	runner, port := startRunner(t, NewRouter(nil), 3)
	require.Equal(t, 1, port.Pulls())

	runner.Push(message.NewRequest(1, []byte("echo one")))
	runner.Push(message.NewRequest(2, []byte("ping")))
	runner.Push(message.NewRequest(3, []byte("echo three")))
	require.Equal(t, 3, port.Pulls(), "no pull beyond the pipeline depth")

	for i := 0; i < 3; i++ {
		runner.Pull()
	}

	require.Eventually(t, func() bool { return len(port.Responses()) == 3 }, eventually, time.Millisecond)

	responses := port.Responses()
	require.Equal(t, "one", string(responses[0].Payload))
	require.Equal(t, "pong", string(responses[1].Payload))
	require.Equal(t, "three", string(responses[2].Payload))
	for i, resp := range responses {
		require.Equal(t, uint64(i+1), resp.Seq)
	}

	require.Eventually(t, func() bool { return port.Pulls() == 4 }, eventually, time.Millisecond)
}

func TestRunnerWaitsForDemand(t *testing.T) {
	runner, port := startRunner(t, NewRouter(nil), 2)

	runner.Push(message.NewRequest(1, []byte("ping")))
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, port.Responses())

	runner.Pull()
	require.Eventually(t, func() bool { return len(port.Responses()) == 1 }, eventually, time.Millisecond)
}

func TestRunnerDrainsOnCompletion(t *testing.T) {
	runner, port := startRunner(t, NewRouter(nil), 4)

	runner.Push(message.NewRequest(1, []byte("ping")))
	runner.Push(message.NewRequest(2, []byte("ping")))
	runner.Complete()
	runner.Pull()
	runner.Pull()

	requireDone(t, runner)

	completed, failed, _ := port.state()
	require.True(t, completed)
	require.NoError(t, failed)
	require.Len(t, port.Responses(), 2)
}

func TestRunnerFailurePropagates(t *testing.T) {
	runner, port := startRunner(t, NewRouter(nil), 4)
	cause := errors.New("connection reset")

	runner.Fail(cause)
	requireDone(t, runner)

	completed, failed, _ := port.state()
	require.False(t, completed)
	require.Equal(t, cause, failed)
}

func TestRunnerCancellationPropagates(t *testing.T) {
	runner, port := startRunner(t, NewRouter(nil), 4)
	cause := errors.New("client went away")

	runner.Push(message.NewRequest(1, []byte("ping")))
	runner.Cancel(cause)
	requireDone(t, runner)

	_, _, cancelled := port.state()
	require.Equal(t, cause, cancelled)
}

func TestRunnerHandlerErrorBecomesErrorResponse(t *testing.T) {
	h := Func(func(context.Context, message.Request) (message.Response, error) {
		return message.Response{}, errors.New("boom")
	})
	runner, port := startRunner(t, h, 1)

	runner.Push(message.NewRequest(5, []byte("anything")))
	runner.Pull()

	require.Eventually(t, func() bool { return len(port.Responses()) == 1 }, eventually, time.Millisecond)

	resp := port.Responses()[0]
	require.True(t, resp.IsError())
	require.Equal(t, "boom", resp.Err)
	require.Equal(t, uint64(5), resp.Seq)
}

func TestRunnerHandlerPanicFailsResponses(t *testing.T) {
	h := Func(func(context.Context, message.Request) (message.Response, error) {
		panic("handler bug")
	})
	runner, port := startRunner(t, h, 1)

	runner.Push(message.NewRequest(1, []byte("anything")))
	requireDone(t, runner)

	_, failed, cancelled := port.state()
	require.ErrorContains(t, failed, "handler bug")
	require.Equal(t, failed, cancelled)
	require.Empty(t, port.Responses())
}

func TestRunnerPushWithoutPull(t *testing.T) {
	runner := NewRunner(NewRouter(nil), 1)

	require.Panics(t, func() { runner.Push(message.NewRequest(1, []byte("ping"))) })
}

func TestRunnerContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	port := &fakePort{}
	runner := NewRunner(NewRouter(nil), 1)
	runner.Start(ctx, port)

	cancel()
	requireDone(t, runner)

	_, failed, cancelled := port.state()
	require.ErrorIs(t, failed, context.Canceled)
	require.ErrorIs(t, cancelled, context.Canceled)
}

func TestRunnerUsesTraceContext(t *testing.T) {
	instrumenter := instrument.New(&config.InstrumentationConfig{}, nil)
	req := instrumenter.Start(context.Background(), message.NewRequest(1, []byte("whoami")))
	token, ok := message.Extract(req).Token()
	require.True(t, ok)
	trace, _ := instrument.TraceFromToken(token)

	h := Func(func(ctx context.Context, req message.Request) (message.Response, error) {
		return message.NewResponse(req, []byte(correlation.ExtractFromContext(ctx))), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := &fakePort{token: token}
	runner := NewRunner(h, 1)
	runner.Start(ctx, port)

	runner.Push(req)
	runner.Pull()

	require.Eventually(t, func() bool { return len(port.Responses()) == 1 }, eventually, time.Millisecond)
	require.Equal(t, trace.CorrelationID(), string(port.Responses()[0].Payload))
}

func TestRunnerFinishesDroppedTraces(t *testing.T) {
	testCases := []struct {
		desc    string
		command string
		stop    func(*Runner, error)
	}{
		{desc: "failed", command: "dropped-on-failure", stop: (*Runner).Fail},
		{desc: "cancelled", command: "dropped-on-cancel", stop: (*Runner).Cancel},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			instrumenter := instrument.New(&config.InstrumentationConfig{}, nil, tc.command)
			observed := func() uint64 {
				m := &dto.Metric{}
				require.NoError(t, metrics.RequestDuration.WithLabelValues(tc.command).(prometheus.Metric).Write(m))
				return m.GetHistogram().GetSampleCount()
			}
			before := observed()

			runner, port := startRunner(t, NewRouter(nil), 4)
			for seq := uint64(1); seq <= 3; seq++ {
				runner.Push(instrumenter.Start(context.Background(), message.NewRequest(seq, []byte(tc.command))))
			}

			tc.stop(runner, errors.New("connection reset"))
			runner.Pull()
			requireDone(t, runner)

			require.LessOrEqual(t, len(port.Responses()), 1)
			require.Equal(t, before+3, observed(), "every buffered request is finished exactly once")
		})
	}
}

// transportRecorder stands in for a connection on the far side of a stage.
type transportRecorder struct {
	mu        sync.Mutex
	responses []message.Response
	completed bool

	pulled chan struct{}
	pushed chan struct{}
}

func newTransportRecorder() *transportRecorder {
	return &transportRecorder{
		pulled: make(chan struct{}, 16),
		pushed: make(chan struct{}, 16),
	}
}

func (tr *transportRecorder) Pull()        { tr.pulled <- struct{}{} }
func (tr *transportRecorder) Cancel(error) {}

func (tr *transportRecorder) Push(resp message.Response) {
	tr.mu.Lock()
	tr.responses = append(tr.responses, resp)
	tr.mu.Unlock()

	tr.pushed <- struct{}{}
}

func (tr *transportRecorder) Complete() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.completed = true
}

func (tr *transportRecorder) Fail(error) {}

func (tr *transportRecorder) Responses() []message.Response {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]message.Response(nil), tr.responses...)
}

func TestRunnerThroughStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instrumenter := instrument.New(&config.InstrumentationConfig{SkipCommands: []string{"ping"}}, nil)
	h := Func(func(ctx context.Context, req message.Request) (message.Response, error) {
		return message.NewResponse(req, []byte(correlation.ExtractFromContext(ctx))), nil
	})

	tr := newTransportRecorder()
	runner := NewRunner(h, 4)
	stage := correlator.New(tr, runner)

	stageErr := make(chan error, 1)
	go func() { stageErr <- stage.Run(ctx) }()
	runner.Start(ctx, stage.Application())

	connCtx := correlation.ContextWithCorrelation(ctx, "connection")
	var expected []string
	for i, line := range []string{"first", "ping", "third"} {
		req := instrumenter.Start(connCtx, message.NewRequest(uint64(i+1), []byte(line)))
		if token, ok := message.Extract(req).Token(); ok {
			trace, _ := instrument.TraceFromToken(token)
			expected = append(expected, trace.CorrelationID())
		} else {
			expected = append(expected, "")
		}

		awaitSignal(t, tr.pulled)
		stage.Transport().PushRequest(req)
	}
	stage.Transport().CompleteRequests()

	for range expected {
		stage.Transport().PullResponse()
		awaitSignal(t, tr.pushed)
	}

	select {
	case err := <-stageErr:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("stage did not terminate")
	}

	responses := tr.Responses()
	require.Len(t, responses, 3)
	for i, resp := range responses {
		require.Equal(t, uint64(i+1), resp.Seq)
		require.Equal(t, expected[i], string(resp.Payload))
	}
	require.True(t, tr.completed)
}

func awaitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(eventually):
		t.Fatal("signal not received")
	}
}
