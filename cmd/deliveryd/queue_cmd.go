package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

type enqueueOutput struct {
	Command       string  `json:"command"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Type          string  `json:"type"`
	Enqueued      float64 `json:"enqueue_timestamp,omitempty"`
	Delivered     *bool   `json:"delivered,omitempty"`
}

func newEnqueueCmd(flags *rootFlags) *cobra.Command {
	var (
		eventType string
		body      string
		sync      bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Persist one event; with --sync, also wait for a delivery attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := delivery.ParseEventType(eventType)
			if err != nil {
				return fmt.Errorf("invalid --type: %w", err)
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if !sync {
					e, err := a.producer.Enqueue(ctx, typ, body)
					if err != nil {
						return err
					}
					return writeJSON(enqueueOutput{
						Command:       "enqueue",
						TransactionID: e.TransactionID,
						Type:          string(e.Type),
						Enqueued:      e.EnqueueTimestamp,
					})
				}
				if timeout <= 0 {
					timeout = a.conf.Delivery.SyncTimeout
				}
				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				done := make(chan error, 1)
				go func() { done <- a.scheduler.Run(runCtx) }()

				ok, err := a.producer.TrackSynchronously(ctx, typ, body, timeout)
				cancel()
				if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
					return runErr
				}
				if err != nil {
					return err
				}
				return writeJSON(enqueueOutput{Command: "enqueue --sync", Type: string(typ), Delivered: &ok})
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", string(delivery.EventCustom), "event type")
	cmd.Flags().StringVar(&body, "body", "{}", "encoded event body")
	cmd.Flags().BoolVar(&sync, "sync", false, "wait for one delivery attempt")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "wait bound for --sync (defaults to DELIVERY_SYNC_TIMEOUT)")
	return cmd
}

type statsOutput struct {
	Command string `json:"command"`
	Total   int    `json:"total"`
	Due     int    `json:"due"`
	Expired int    `json:"expired"`
	State   string `json:"state"`
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				total, err := a.store.CountEvents(ctx)
				if err != nil {
					return err
				}
				due, err := a.store.Query(ctx, 0, a.scheduler.Policy().RetryDeadline)
				if err != nil {
					return err
				}
				expired, err := a.store.QueryExpired(ctx)
				if err != nil {
					return err
				}
				return writeJSON(statsOutput{
					Command: "stats",
					Total:   total,
					Due:     len(due),
					Expired: len(expired),
					State:   a.scheduler.CurrentState().String(),
				})
			})
		},
	}
}

type passOutput struct {
	Command    string `json:"command"`
	DurationMS int64  `json:"duration_ms"`
	Purged     *int   `json:"purged,omitempty"`
	Remaining  int    `json:"remaining"`
}

func newFlushCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Run one drain pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				start := time.Now()
				if err := a.scheduler.RunPass(ctx); err != nil {
					return err
				}
				remaining, err := a.store.CountEvents(ctx)
				if err != nil {
					return err
				}
				return writeJSON(passOutput{
					Command:    "flush",
					DurationMS: time.Since(start).Milliseconds(),
					Remaining:  remaining,
				})
			})
		},
	}
}

func newPurgeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop events past the retention horizon without sending anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				start := time.Now()
				n, err := a.scheduler.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				remaining, err := a.store.CountEvents(ctx)
				if err != nil {
					return err
				}
				return writeJSON(passOutput{
					Command:    "purge",
					DurationMS: time.Since(start).Milliseconds(),
					Purged:     &n,
					Remaining:  remaining,
				})
			})
		},
	}
}

func newEraseCmd(flags *rootFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Delete every queued event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("erase drops every undelivered event; pass --yes to confirm")
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.store.Erase(ctx); err != nil {
					return err
				}
				return writeJSON(map[string]string{"command": "erase", "result": "ok"})
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the erase")
	return cmd
}
