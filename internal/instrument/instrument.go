// Package instrument creates the per-request traces carried through the
// correlation stage and finishes them once the response is produced.
package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/open-feature/go-sdk/openfeature"
	"github.com/open-feature/go-sdk/openfeature/memprovider"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/flowtrace/internal/config"
	"gitlab.com/gitlab-org/flowtrace/internal/message"
	"gitlab.com/gitlab-org/flowtrace/internal/metrics"
)

const (
	// CorrelationFlag gates per-request traces. It defaults to enabled.
	CorrelationFlag = "flowtrace_request_correlation"

	flagDomain    = "flowtrace"
	otherCommands = "other"
)

// FlagEvaluator is the subset of *openfeature.Client used to gate traces.
type FlagEvaluator interface {
	BooleanValue(ctx context.Context, flag string, defaultValue bool, evalCtx openfeature.EvaluationContext, options ...openfeature.Option) (bool, error)
}

// ConfigureFlags registers an in-memory flag provider reflecting cfg and
// returns a client evaluating against it.
func ConfigureFlags(cfg *config.InstrumentationConfig) (*openfeature.Client, error) {
	variant := "on"
	if cfg.Disabled {
		variant = "off"
	}

	provider := memprovider.NewInMemoryProvider(map[string]memprovider.InMemoryFlag{
		CorrelationFlag: {
			Key:            CorrelationFlag,
			State:          memprovider.Enabled,
			DefaultVariant: variant,
			Variants: map[string]any{
				"on":  true,
				"off": false,
			},
		},
	})

	if err := openfeature.SetNamedProviderAndWait(flagDomain, provider); err != nil {
		return nil, err
	}

	return openfeature.NewClient(flagDomain), nil
}

// Instrumenter attaches a Trace to every request it is allowed to trace.
type Instrumenter struct {
	flags    FlagEvaluator
	skip     map[string]struct{}
	commands map[string]struct{}
}

// New returns an Instrumenter. Commands listed in cfg.SkipCommands are never
// traced. knownCommands bounds the command label of the request duration
// metric; any other command is reported as "other".
func New(cfg *config.InstrumentationConfig, flags FlagEvaluator, knownCommands ...string) *Instrumenter {
	i := &Instrumenter{
		flags:    flags,
		skip:     make(map[string]struct{}, len(cfg.SkipCommands)),
		commands: make(map[string]struct{}, len(knownCommands)),
	}

	for _, c := range cfg.SkipCommands {
		i.skip[c] = struct{}{}
	}
	for _, c := range knownCommands {
		i.commands[c] = struct{}{}
	}

	return i
}

// Start returns req with a new Trace attached, or req unchanged when tracing
// is skipped for it.
func (i *Instrumenter) Start(ctx context.Context, req message.Request) message.Request {
	if _, skip := i.skip[req.Command]; skip {
		return req
	}

	if i.flags != nil {
		evalCtx := openfeature.NewEvaluationContext(
			correlation.ExtractFromContext(ctx),
			map[string]any{"command": req.Command},
		)

		enabled, err := i.flags.BooleanValue(ctx, CorrelationFlag, true, evalCtx)
		if err != nil {
			log.WithContextFields(ctx, log.Fields{"flag": CorrelationFlag}).WithError(err).Debug("instrument: Start: flag evaluation failed")
		}
		if !enabled {
			return req
		}
	}

	return message.Attach(req, newTrace(ctx, req, i.commandLabel(req.Command)))
}

func (i *Instrumenter) commandLabel(command string) string {
	if _, ok := i.commands[command]; ok {
		return command
	}

	return otherCommands
}

// Trace follows one request from arrival until its response is produced.
type Trace struct {
	ctx     context.Context
	id      string
	label   string
	started time.Time
	fields  log.Fields

	once sync.Once
}

func newTrace(parent context.Context, req message.Request, label string) *Trace {
	id := correlation.SafeRandomID()

	fields := message.RequestAttributes(req)
	if parentID := correlation.ExtractFromContext(parent); parentID != "" {
		fields["connection_correlation_id"] = parentID
	}

	return &Trace{
		ctx:     correlation.ContextWithCorrelation(parent, id),
		id:      id,
		label:   label,
		started: time.Now(),
		fields:  fields,
	}
}

// TraceFromToken recovers the Trace from a correlation token.
func TraceFromToken(token any) (*Trace, bool) {
	t, ok := token.(*Trace)
	return t, ok && t != nil
}

// Context returns a context carrying the request's correlation ID.
func (t *Trace) Context() context.Context {
	return t.ctx
}

// CorrelationID returns the correlation ID assigned to the request.
func (t *Trace) CorrelationID() string {
	return t.id
}

// Finish records the completion of the request with resp. Only the first
// call has an effect.
func (t *Trace) Finish(resp message.Response) {
	t.once.Do(func() {
		duration := time.Since(t.started)

		fields := log.Fields{"duration_s": duration.Seconds()}
		for k, v := range t.fields {
			fields[k] = v
		}
		for k, v := range message.ResponseAttributes(resp) {
			fields[k] = v
		}

		metrics.RequestDuration.WithLabelValues(t.label).Observe(duration.Seconds())
		log.WithContextFields(t.ctx, fields).Info("instrument: request completed")
	})
}
