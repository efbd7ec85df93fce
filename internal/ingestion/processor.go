package ingestion

import (
	"SlotLock/internal/core"
	"SlotLock/internal/event"
	"SlotLock/internal/observability"
	"SlotLock/internal/state"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// CommandProcessor is the engine's write entry point.
type CommandProcessor interface {
	ProcessCommand(ctx context.Context, cmd event.Command) (state.Reservation, error)
}

// Processor drains raw commands into the engine. Each message is acked
// once its outcome is final: applied, a domain rejection, or a duplicate.
// Malformed messages are terminated; anything else is redelivered.
type Processor struct {
	engine  CommandProcessor
	tokens  IdentityVerifier
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewProcessor(engine CommandProcessor, tokens IdentityVerifier, metrics *observability.Metrics) *Processor {
	return &Processor{
		engine:  engine,
		tokens:  tokens,
		metrics: metrics,
		logger:  observability.NewLogger("ingestion"),
	}
}

func (p *Processor) Run(ctx context.Context, in <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			p.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and returns the result label it was
// counted under.
func (p *Processor) Handle(ctx context.Context, raw RawCommand) string {
	result := p.handle(ctx, raw)
	if p.metrics != nil {
		p.metrics.IngestMessages.WithLabelValues(string(raw.Kind), result).Inc()
	}
	return result
}

func (p *Processor) handle(ctx context.Context, raw RawCommand) string {
	cmd, err := ParseCommand(raw, p.tokens)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		call(raw.TermFunc)
		return "malformed"
	}

	r, err := p.engine.ProcessCommand(ctx, cmd)
	switch {
	case err == nil:
		call(raw.AckFunc)
		p.logger.Debug().
			Str("subject", raw.Subject).
			Str("owner", string(r.Owner)).
			Stringer("day", r.Day).
			Msg("command applied")
		return "applied"

	case errors.Is(err, core.ErrDuplicateRequest):
		call(raw.AckFunc)
		return "duplicate"

	case core.IsDomainError(err):
		call(raw.AckFunc)
		p.logger.Info().Err(err).Str("subject", raw.Subject).Str("request_key", cmd.IdempotencyKey()).Msg("command rejected")
		return core.Reason(err)

	default:
		call(raw.NakFunc)
		p.logger.Error().Err(err).Str("subject", raw.Subject).Str("request_key", cmd.IdempotencyKey()).Msg("command failed, will redeliver")
		return "error"
	}
}

func call(f func()) {
	if f != nil {
		f()
	}
}
