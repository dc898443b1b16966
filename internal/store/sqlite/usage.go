package sqlite

import (
	"context"
	"time"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
	"github.com/kestrelproxy/kestrel/internal/worker"
)

var _ worker.UsageStore = (*Store)(nil)

// InsertUsage implements worker.UsageStore: a single-transaction batch
// insert of completed UsageRecords (§4.7 step 7's external sink), mirroring
// the base gateway's usage_recorder flush-to-store shape.
func (s *Store) InsertUsage(ctx context.Context, records []gwcore.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records (
			request_id, user_id, model, prompt_tokens, completion_tokens,
			total_tokens, cache_create_tokens, cache_read_tokens,
			cost_usd, currency, used_fallback, status_code, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		fallback := 0
		if r.UsedFallback {
			fallback = 1
		}
		_, err := stmt.ExecContext(ctx,
			r.RequestID, r.UserID, r.Model,
			deref(r.Usage.PromptTokens), deref(r.Usage.CompletionTokens), deref(r.Usage.TotalTokens),
			deref(r.Usage.CacheCreateTokens), deref(r.Usage.CacheReadTokens),
			r.CostUSD, r.Currency, fallback, r.StatusCode, r.DurationMs,
			createdAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func deref(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
