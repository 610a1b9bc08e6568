package restoration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/authority"
)

// Option configures the restoration components.
type Option func(*options)

type options struct {
	ext       ExtendedBackend
	logger    *slog.Logger
	now       func() time.Time
	settle    time.Duration
	sleep     func(time.Duration)
	tolerance int
	evidence  EvidenceRecorder
}

func WithExtended(ext ExtendedBackend) Option { return func(o *options) { o.ext = ext } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithNow(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithSettleDelay sets the pause before the post-restore re-read.
func WithSettleDelay(d time.Duration) Option { return func(o *options) { o.settle = d } }

// WithCursorTolerance sets the per-axis pixel tolerance used by Verify.
func WithCursorTolerance(px int) Option { return func(o *options) { o.tolerance = px } }

func WithEvidence(r EvidenceRecorder) Option { return func(o *options) { o.evidence = r } }

func buildOptions(component string, opts []Option) options {
	o := options{
		ext:    NopExtended{},
		now:    time.Now,
		settle: 50 * time.Millisecond,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", component)
	}
	return o
}

// Provider captures pre-automation snapshots.
type Provider struct {
	backend Backend
	feed    Feed
	opts    options
}

func NewProvider(backend Backend, feed Feed, opts ...Option) *Provider {
	return &Provider{backend: backend, feed: feed, opts: buildOptions("snapshot", opts)}
}

// Capture is a hard gate: any error means automation must not start.
func (p *Provider) Capture(ctx context.Context) (*Snapshot, error) {
	mode, err := p.backend.ExecutionMode(ctx)
	if err != nil {
		return nil, &CaptureError{Reason: "read execution mode", Err: err}
	}
	if mode != authority.Observer {
		return nil, &CaptureError{Reason: "execution mode " + mode.String(), Err: ErrNotObserver}
	}

	if p.feed == nil {
		return nil, &CaptureError{Reason: "no feed", Err: ErrFeedUnavailable}
	}
	obs := p.feed.Read()
	if !obs.Available {
		return nil, &CaptureError{Reason: "vision", Err: ErrFeedUnavailable}
	}
	if obs.Blind {
		return nil, &CaptureError{Reason: "vision", Err: ErrFeedBlind}
	}

	cursor, err := p.backend.CursorPosition(ctx)
	if err != nil {
		return nil, &CaptureError{Reason: "read cursor", Err: err}
	}
	focus, err := p.backend.FocusedWindow(ctx)
	if err != nil {
		return nil, &CaptureError{Reason: "read focused window", Err: err}
	}
	app, err := p.backend.ActiveApplication(ctx)
	if err != nil {
		return nil, &CaptureError{Reason: "read active application", Err: err}
	}

	meta := p.extended(ctx, focus.WindowID)
	if obs.ContentHash != "" {
		meta.Evidence = &Evidence{FrameTimestamp: obs.FrameTimestamp, ContentHash: obs.ContentHash}
	}

	snap, err := NewSnapshot(p.opts.now(), cursor, focus, app, mode, meta)
	if err != nil {
		return nil, &CaptureError{Reason: "validate", Err: err}
	}
	p.opts.logger.Info("snapshot captured", "snapshot", snap.ID(), "window", focus.WindowID, "app", app.ProcessName)
	return snap, nil
}

func (p *Provider) extended(ctx context.Context, windowID string) Metadata {
	var meta Metadata
	ext := p.opts.ext
	skip := func(what string, err error) {
		if !errors.Is(err, ErrUnsupported) {
			p.opts.logger.Debug("extended capture skipped", "what", what, "error", err)
		}
	}
	if g, err := ext.WindowGeometry(ctx, windowID); err == nil {
		meta.Geometry = &g
	} else {
		skip("geometry", err)
	}
	if z, err := ext.WindowZOrder(ctx, windowID); err == nil {
		meta.ZOrder = &z
	} else {
		skip("z-order", err)
	}
	if b, err := ext.BrowserState(ctx); err == nil && len(b) > 0 {
		meta.BrowserState = b
	} else if err != nil {
		skip("browser", err)
	}
	if pos, err := ext.MediaPosition(ctx); err == nil {
		meta.MediaPosition = &pos
	} else {
		skip("media", err)
	}
	return meta
}
