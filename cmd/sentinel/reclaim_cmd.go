package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/arbitration"
)

// newReclaimCommand publishes an out-of-band reclaim (or clear) to a running
// kernel over redis.
func newReclaimCommand(root *rootOptions) *cobra.Command {
	var (
		redisURL  string
		channel   string
		reason    string
		clearFlag bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Force the kernel to release all input (or --clear a previous reclaim)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if redisURL == "" {
				redisURL = root.cfg.RedisURL
			}
			if redisURL == "" {
				return errors.New("--redis-url or SENTINEL_REDIS_URL is required")
			}
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				return fmt.Errorf("redis url: %w", err)
			}
			client := redis.NewClient(opt)
			defer func() { _ = client.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := arbitration.PublishReclaim(ctx, client, channel, reason, clearFlag); err != nil {
				return err
			}
			if clearFlag {
				printf(cmd.OutOrStdout(), "reclaim cleared on %s\n", channel)
			} else {
				printf(cmd.OutOrStdout(), "reclaim published on %s\n", channel)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "redis URL (default $SENTINEL_REDIS_URL)")
	cmd.Flags().StringVar(&channel, "channel", arbitration.DefaultReclaimChannel, "pub/sub channel")
	cmd.Flags().StringVar(&reason, "reason", "operator reclaim", "reason recorded by the kernel")
	cmd.Flags().BoolVar(&clearFlag, "clear", false, "clear a previous reclaim instead")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "publish timeout")
	return cmd
}
