package webhook

import (
	"context"
	"log/slog"
	"time"
)

// DefaultReplayLimit bounds how many events one replay pass handles.
const DefaultReplayLimit = 200

// ReplayResult summarises one replay pass.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Deferred int `json:"deferred"`
}

// Replay reprocesses events recorded before receivedBefore that were
// never marked processed, typically because a dependency failed mid-delivery.
// The provider already received its acknowledgement, so this is the only
// path by which those events take effect.
func (p *Processor) Replay(ctx context.Context, receivedBefore time.Time, limit int) (*ReplayResult, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	events, err := p.events.ListUnprocessed(ctx, receivedBefore, limit)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		status, _ := p.process(ctx, ev.Provider, ev.ProviderEventID, ev.Payload, ev.ReceivedAt)
		p.metrics.replay(ev.Provider, string(status))
		if status == StatusDeferred {
			res.Deferred++
			continue
		}
		res.Replayed++
	}

	if len(events) > 0 {
		p.logger.InfoContext(ctx, "replayed unprocessed webhook events",
			slog.Int("replayed", res.Replayed),
			slog.Int("deferred", res.Deferred))
	}
	return res, nil
}
