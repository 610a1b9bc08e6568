package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
)

// Kernel attribute keys.
var (
	AttrOperation  = attribute.Key("sentinel.operation")
	AttrFromMode   = attribute.Key("sentinel.mode.from")
	AttrToMode     = attribute.Key("sentinel.mode.to")
	AttrForced     = attribute.Key("sentinel.transition.forced")
	AttrAbort      = attribute.Key("sentinel.transition.abort")
	AttrDecision   = attribute.Key("sentinel.policy.decision")
	AttrRule       = attribute.Key("sentinel.policy.rule")
	AttrArbitrated = attribute.Key("sentinel.arbitration.decision")
	AttrEntryType  = attribute.Key("sentinel.ledger.type")
	AttrPhase      = attribute.Key("sentinel.ledger.phase")
	AttrStopReason = attribute.Key("sentinel.run.stop_reason")
)

type kernelInstruments struct {
	transitions  metric.Int64Counter
	decisions    metric.Int64Counter
	arbitrations metric.Int64Counter
	ledger       metric.Int64Counter
	runs         metric.Int64Counter
	steps        metric.Int64Histogram
}

func newKernelInstruments(m metric.Meter) (*kernelInstruments, error) {
	k := &kernelInstruments{}
	var err error
	if k.transitions, err = m.Int64Counter("sentinel.authority.transitions",
		metric.WithDescription("Committed authority mode transitions"),
	); err != nil {
		return nil, fmt.Errorf("transitions counter: %w", err)
	}
	if k.decisions, err = m.Int64Counter("sentinel.policy.decisions",
		metric.WithDescription("Authorization oracle verdicts"),
	); err != nil {
		return nil, fmt.Errorf("decisions counter: %w", err)
	}
	if k.arbitrations, err = m.Int64Counter("sentinel.arbitration.stops",
		metric.WithDescription("Steps stopped by the input arbitrator"),
	); err != nil {
		return nil, fmt.Errorf("arbitration counter: %w", err)
	}
	if k.ledger, err = m.Int64Counter("sentinel.ledger.entries",
		metric.WithDescription("Audit ledger entries written"),
	); err != nil {
		return nil, fmt.Errorf("ledger counter: %w", err)
	}
	if k.runs, err = m.Int64Counter("sentinel.runs",
		metric.WithDescription("Automated runs finished"),
	); err != nil {
		return nil, fmt.Errorf("runs counter: %w", err)
	}
	if k.steps, err = m.Int64Histogram("sentinel.run.steps",
		metric.WithDescription("Steps executed per run"),
		metric.WithUnit("{step}"),
	); err != nil {
		return nil, fmt.Errorf("steps histogram: %w", err)
	}
	return k, nil
}

func (p *Provider) RecordTransition(ctx context.Context, from, to string, forced, abort bool) {
	if p.kernel == nil {
		return
	}
	p.kernel.transitions.Add(ctx, 1, metric.WithAttributes(
		AttrFromMode.String(from),
		AttrToMode.String(to),
		AttrForced.Bool(forced),
		AttrAbort.Bool(abort),
	))
}

func (p *Provider) RecordDecision(ctx context.Context, decision, rule string) {
	if p.kernel == nil {
		return
	}
	p.kernel.decisions.Add(ctx, 1, metric.WithAttributes(
		AttrDecision.String(decision),
		AttrRule.String(rule),
	))
}

// RecordArbitration counts a step the arbitrator refused to continue.
func (p *Provider) RecordArbitration(ctx context.Context, decision string) {
	if p.kernel == nil {
		return
	}
	p.kernel.arbitrations.Add(ctx, 1, metric.WithAttributes(AttrArbitrated.String(decision)))
}

func (p *Provider) RecordLedgerEntry(ctx context.Context, entryType, phase string) {
	if p.kernel == nil {
		return
	}
	p.kernel.ledger.Add(ctx, 1, metric.WithAttributes(
		AttrEntryType.String(entryType),
		AttrPhase.String(phase),
	))
}

// Mirror counts ledger entries; it lets a Provider be attached to a ledger
// with ledger.WithMirror.
func (p *Provider) Mirror(ctx context.Context, e ledger.Entry) error {
	p.RecordLedgerEntry(ctx, e.Type, string(e.Phase))
	return nil
}

func (p *Provider) RecordRun(ctx context.Context, reason string, steps int) {
	if p.kernel == nil {
		return
	}
	set := metric.WithAttributes(AttrStopReason.String(reason))
	p.kernel.runs.Add(ctx, 1, set)
	p.kernel.steps.Record(ctx, int64(steps), set)
}
