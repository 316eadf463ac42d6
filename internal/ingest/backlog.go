package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/metrics"
)

// nsqdStats is the subset of nsqd's /stats?format=json response we read
type nsqdStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Backlog scrapes nsqd stats and exports the events channel depth
type Backlog struct {
	statsURL string
	topic    string
	channel  string
	client   *http.Client
	logger   *logging.Logger
}

func NewBacklog(nsqdHTTPAddr, topic, channel string, logger *logging.Logger) *Backlog {
	if logger == nil {
		logger = logging.Nop()
	}
	base := nsqdHTTPAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Backlog{
		statsURL: strings.TrimRight(base, "/") + "/stats?format=json&topic=" + topic,
		topic:    topic,
		channel:  channel,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Update fetches stats once and sets the gauges
func (b *Backlog) Update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	for _, t := range stats.Topics {
		if t.TopicName != b.topic {
			continue
		}
		for _, c := range t.Channels {
			if c.ChannelName == b.channel {
				metrics.SetChannelStats(t.TopicName, c.ChannelName, c.Depth, c.InFlightCount)
			}
		}
	}
	return nil
}

// Run updates every interval until ctx is done
func (b *Backlog) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Update(ctx); err != nil {
				b.logger.Plain().WithError(err).Warn("nsq backlog scrape failed")
			}
		}
	}
}
