package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Panmoni/yapbay-sub000/crypto"
	nativecommon "github.com/Panmoni/yapbay-sub000/native/common"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
	"github.com/Panmoni/yapbay-sub000/observability"
	"github.com/Panmoni/yapbay-sub000/observability/logging"
	telemetry "github.com/Panmoni/yapbay-sub000/observability/otel"
)

// RateLimit bounds instructions per caller. A zero rate disables limiting.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Processor is the transport adapter in front of the escrow engine. It
// decodes instructions, throttles callers and records every outcome.
type Processor struct {
	engine  *escrow.Engine
	logger  *slog.Logger
	metrics *observability.InstructionMetrics
	tracer  trace.Tracer
	quota   *nativecommon.QuotaTracker
	limit   RateLimit
	nowFn   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRateLimit enables a token bucket per caller.
func WithRateLimit(limit RateLimit) Option {
	return func(p *Processor) { p.limit = limit }
}

// WithQuota enables per-epoch request and value caps per caller.
func WithQuota(q nativecommon.Quota) Option {
	return func(p *Processor) { p.quota = nativecommon.NewQuotaTracker(q) }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.nowFn = now
		}
	}
}

// NewProcessor wraps engine.
func NewProcessor(engine *escrow.Engine, opts ...Option) *Processor {
	p := &Processor{
		engine:   engine,
		logger:   slog.Default(),
		metrics:  observability.Instructions(),
		tracer:   telemetry.Tracer(),
		nowFn:    time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Engine returns the wrapped engine.
func (p *Processor) Engine() *escrow.Engine { return p.engine }

// Submit executes one instruction and reports its outcome. It never returns
// an error: failures are carried in the outcome's ErrorKind and Error.
func (p *Processor) Submit(ctx context.Context, ins Instruction) Outcome {
	start := p.nowFn()
	kind := Kind(strings.ToLower(strings.TrimSpace(string(ins.Kind))))
	ins.Kind = kind
	ctx, span := p.tracer.Start(ctx, "escrow."+string(kind), trace.WithAttributes(
		attribute.String("escrow.ref", ins.Ref().String()),
		attribute.String("escrow.instruction", string(kind)),
	))
	defer span.End()

	outcome := Outcome{RequestID: ins.RequestID, Kind: kind, EscrowID: ins.EscrowID, TradeID: ins.TradeID}
	receipt, err := p.submit(ctx, ins)
	elapsed := p.nowFn().Sub(start)
	errKind := ErrorKind(err)
	p.metrics.Observe(string(kind), errKind, elapsed)

	attrs := []any{
		slog.String("instruction", string(kind)),
		slog.String("escrow_id", fmt.Sprintf("%d", ins.EscrowID)),
		slog.String("trade_id", fmt.Sprintf("%d", ins.TradeID)),
		slog.String("caller", ins.Caller),
		slog.Duration("elapsed", elapsed),
	}
	if ins.Evidence != "" {
		attrs = append(attrs, logging.DigestPrefix("evidence", ins.Evidence))
	}
	if ins.Resolution != "" {
		attrs = append(attrs, logging.DigestPrefix("resolution", ins.Resolution))
	}
	if ins.SequentialAddress != "" {
		attrs = append(attrs, logging.Mask("sequential_address", ins.SequentialAddress))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errKind)
		outcome.ErrorKind = errKind
		outcome.Error = err.Error()
		level := slog.LevelWarn
		if errKind == "internal" {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "instruction rejected",
			append(attrs, slog.String("kind", errKind), slog.Any("error", err))...)
		return outcome
	}

	outcome.OK = true
	outcome.State = receipt.State.String()
	outcome.Escrow = FormatEscrow(receipt.Escrow)
	outcome.Events = receipt.Events
	span.SetAttributes(attribute.String("escrow.state", outcome.State))
	span.SetStatus(codes.Ok, "applied")
	p.logger.Info("instruction applied", append(attrs, slog.String("state", outcome.State))...)
	return outcome
}

func (p *Processor) submit(ctx context.Context, ins Instruction) (*escrow.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", ins.Caller)
	if err != nil {
		return nil, err
	}
	chargedAt := p.nowFn().Unix()
	charged, err := p.throttle(ins, caller, chargedAt)
	if err != nil {
		return nil, err
	}
	receipt, err := p.execute(ins, caller)
	if err != nil {
		p.quota.Refund(caller.String(), chargedAt, charged)
	}
	return receipt, err
}

func (p *Processor) execute(ins Instruction, caller crypto.Address) (*escrow.Receipt, error) {
	ref := ins.Ref()

	switch ins.Kind {
	case KindCreate:
		if ins.amountErr != nil {
			return nil, ins.amountErr
		}
		buyer, err := parseAddress("buyer", ins.Buyer)
		if err != nil {
			return nil, err
		}
		next, err := parseOptionalAddress("sequentialAddress", ins.SequentialAddress)
		if err != nil {
			return nil, err
		}
		arbitrator, err := parseOptionalAddress("arbitrator", ins.Arbitrator)
		if err != nil {
			return nil, err
		}
		return p.engine.Create(caller, escrow.CreateParams{
			Ref:               ref,
			Amount:            ins.Amount,
			Buyer:             buyer,
			Sequential:        ins.Sequential,
			SequentialAddress: next,
			Arbitrator:        arbitrator,
		})
	case KindFund:
		return p.engine.Fund(caller, ref)
	case KindMarkFiatPaid:
		return p.engine.MarkFiatPaid(caller, ref)
	case KindRelease:
		return p.engine.Release(caller, ref)
	case KindCancel:
		return p.engine.Cancel(caller, ref)
	case KindUpdateSequentialAddress:
		next, err := parseAddress("sequentialAddress", ins.SequentialAddress)
		if err != nil {
			return nil, err
		}
		return p.engine.UpdateSequentialAddress(caller, ref, next)
	case KindInitializeBondAccount:
		party, err := escrow.ParseParty(ins.Party)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return p.engine.InitializeBondAccount(caller, ref, party)
	case KindOpenDispute:
		evidence, err := parseDigest("evidence", ins.Evidence)
		if err != nil {
			return nil, err
		}
		return p.engine.OpenDispute(caller, ref, evidence)
	case KindRespondToDispute:
		evidence, err := parseDigest("evidence", ins.Evidence)
		if err != nil {
			return nil, err
		}
		return p.engine.RespondToDispute(caller, ref, evidence)
	case KindResolveDispute:
		resolution, err := parseDigest("resolution", ins.Resolution)
		if err != nil {
			return nil, err
		}
		return p.engine.ResolveDispute(caller, ref, ins.BuyerWins, resolution)
	case KindDefaultJudgment:
		return p.engine.DefaultJudgment(caller, ref)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstruction, ins.Kind)
	}
}

// throttle applies the rate limit and quota of caller and returns the value
// charged to the cap. Only the seller funding its own escrow is charged, with
// the amount plus fee; the caller refunds it when the instruction fails.
func (p *Processor) throttle(ins Instruction, caller crypto.Address, now int64) (uint64, error) {
	key := caller.String()
	if limiter := p.limiterFor(key); limiter != nil && !limiter.AllowN(p.nowFn(), 1) {
		p.metrics.RecordThrottle(string(ins.Kind), "rate_limit")
		return 0, fmt.Errorf("%w: caller %s", ErrRateLimited, key)
	}
	if p.quota == nil {
		return 0, nil
	}
	var value uint64
	if ins.Kind == KindFund {
		if rec, err := p.engine.Escrow(ins.Ref()); err == nil && rec.Seller == caller {
			value = rec.Amount + rec.Fee
		}
	}
	if err := p.quota.Consume(key, now, value); err != nil {
		p.metrics.RecordThrottle(string(ins.Kind), "quota_exceeded")
		return 0, err
	}
	return value, nil
}

func (p *Processor) limiterFor(key string) *rate.Limiter {
	if p.limit.PerSecond <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[key]
	if !ok {
		burst := p.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(p.limit.PerSecond), burst)
		p.limiters[key] = limiter
	}
	return limiter
}
