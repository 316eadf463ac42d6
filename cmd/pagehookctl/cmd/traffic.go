package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/austindbirch/pagehook/internal/ingest"
	"github.com/austindbirch/pagehook/internal/webhook"
)

type trafficConfig struct {
	Rate     float64
	Burst    int
	Count    int
	Duration time.Duration
	Workers  int
}

type trafficSummary struct {
	Sent     int64         `json:"sent"`
	Failed   int64         `json:"failed"`
	Elapsed  time.Duration `json:"elapsed"`
	Achieved float64       `json:"achievedPerSecond"`
}

// runTraffic calls send at cfg.Rate until Count sends are issued, Duration
// passes or ctx is cancelled. Zero Count or Duration means no such limit.
func runTraffic(ctx context.Context, cfg trafficConfig, send func(ctx context.Context, i int) error) trafficSummary {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, cfg.Burst)

	var (
		sent, failed atomic.Int64
		next         atomic.Int64
		wg           sync.WaitGroup
	)
	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if cfg.Count > 0 && i >= cfg.Count {
					return
				}
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				if err := send(ctx, i); err != nil {
					if ctx.Err() != nil {
						return
					}
					failed.Add(1)
					continue
				}
				sent.Add(1)
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	s := trafficSummary{Sent: sent.Load(), Failed: failed.Load(), Elapsed: elapsed}
	if secs := elapsed.Seconds(); secs > 0 {
		s.Achieved = float64(s.Sent) / secs
	}
	return s
}

var trafficCmd = &cobra.Command{
	Use:   "traffic <type>",
	Short: "Generate a steady stream of events for load testing",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return requireWorkspace()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		var cfg trafficConfig
		cfg.Rate, _ = f.GetFloat64("rate")
		cfg.Burst, _ = f.GetInt("burst")
		cfg.Count, _ = f.GetInt("count")
		cfg.Duration, _ = f.GetDuration("duration")
		cfg.Workers, _ = f.GetInt("workers")
		via, _ := f.GetString("via")
		if cfg.Count == 0 && cfg.Duration == 0 {
			return errors.New("pass --count or --duration")
		}

		eventType := args[0]
		var send func(ctx context.Context, i int) error
		switch via {
		case "api":
			send = func(ctx context.Context, i int) error {
				body := map[string]any{"type": eventType, "data": map[string]any{"seq": i}}
				return apiRequest(ctx, http.MethodPost, workspacePath("/events"), body, nil)
			}
		case "nsq":
			addr, _ := f.GetString("nsqd")
			topic, _ := f.GetString("topic")
			producer, err := nsq.NewProducer(addr, nsq.NewConfig())
			if err != nil {
				return fmt.Errorf("nsq producer: %w", err)
			}
			defer producer.Stop()
			producer.SetLoggerLevel(nsq.LogLevelError)
			send = func(ctx context.Context, i int) error {
				ev, err := webhook.NewEvent(eventType, map[string]any{"seq": i})
				if err != nil {
					return err
				}
				return ingest.Publish(producer, topic, ingest.NewEnvelope(ctx, workspaceID, ev))
			}
		default:
			return fmt.Errorf("unknown --via %q (want api or nsq)", via)
		}

		summary := runTraffic(cmd.Context(), cfg, send)
		return printOutput(cmd.OutOrStdout(), summary)
	},
}

func init() {
	rootCmd.AddCommand(trafficCmd)
	f := trafficCmd.Flags()
	f.Float64("rate", 10, "events per second (0 for unlimited)")
	f.Int("burst", 1, "limiter burst size")
	f.Int("count", 0, "stop after this many events")
	f.Duration("duration", 0, "stop after this long")
	f.Int("workers", 4, "concurrent senders")
	f.String("via", "api", "send through the admin api or nsq")
	f.String("nsqd", "localhost:4150", "nsqd TCP address for --via nsq")
	f.String("topic", "workspace_events", "events topic for --via nsq")
}
