package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder -- the
// external sink the Stats Collector hands completed UsageRecords to (§4.7
// step 7).
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gwcore.UsageRecord) error
}

// UsageRecorder buffers usage records and batch-flushes them to the store.
// Records are dropped if the channel is full (back-pressure on slow DB),
// mirroring the base gateway's channel-plus-ticker batch sink.
type UsageRecorder struct {
	ch    chan gwcore.UsageRecord
	store UsageStore
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan gwcore.UsageRecord, usageChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record implements stats.UsageSink (§4.7 step 7): it never blocks and drops
// the record on a full channel rather than stalling the request path.
func (u *UsageRecorder) Record(_ context.Context, r gwcore.UsageRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	select {
	case u.ch <- r:
	default:
		slog.Warn("usage record dropped, channel full", "request_id", r.RequestID)
	}
	return nil
}

// Run processes records until ctx is cancelled, then drains remaining records.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]gwcore.UsageRecord, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []gwcore.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []gwcore.UsageRecord) {
	batch := make([]gwcore.UsageRecord, len(buf))
	copy(batch, buf)

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
