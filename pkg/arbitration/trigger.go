package arbitration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultReclaimChannel is the pub/sub channel watched by RedisTrigger.
const DefaultReclaimChannel = "sentinel:reclaim"

// RedisTrigger is an out-of-band reclaim path: any process able to publish
// to the channel can force release without touching the main loop.
//
// Messages are "reclaim", "reclaim:<reason>" or "clear".
type RedisTrigger struct {
	client  *redis.Client
	channel string
	arb     *Arbitrator
	logger  *slog.Logger
}

func NewRedisTrigger(client *redis.Client, channel string, arb *Arbitrator) *RedisTrigger {
	if channel == "" {
		channel = DefaultReclaimChannel
	}
	return &RedisTrigger{
		client:  client,
		channel: channel,
		arb:     arb,
		logger:  slog.Default().With("component", "reclaim-trigger", "channel", channel),
	}
}

// Run subscribes and applies messages until ctx is done.
func (t *RedisTrigger) Run(ctx context.Context) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.channel, err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := t.Handle(msg.Payload); err != nil {
				t.logger.Warn("ignoring reclaim message", "payload", msg.Payload, "error", err)
			}
		}
	}
}

// Handle applies one message to the arbitrator.
func (t *RedisTrigger) Handle(payload string) error {
	cmd, reason, _ := strings.Cut(strings.TrimSpace(payload), ":")
	switch strings.ToLower(cmd) {
	case "reclaim":
		if reason == "" {
			reason = "out-of-band reclaim"
		}
		t.arb.EmergencyReclaim(reason)
	case "clear":
		t.arb.ClearEmergencyReclaim()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// PublishReclaim sends a reclaim, or a clear when clear is set.
func PublishReclaim(ctx context.Context, client *redis.Client, channel, reason string, clearFlag bool) error {
	if channel == "" {
		channel = DefaultReclaimChannel
	}
	msg := "reclaim"
	if clearFlag {
		msg = "clear"
	} else if reason != "" {
		msg += ":" + reason
	}
	return client.Publish(ctx, channel, msg).Err()
}

// WatchSignals reclaims on every signal received from sigs until ctx is
// done. The binary wires SIGUSR1 to it.
func WatchSignals(ctx context.Context, arb *Arbitrator, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sigs:
			arb.EmergencyReclaim("signal " + s.String())
		}
	}
}
