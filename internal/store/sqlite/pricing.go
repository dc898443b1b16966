package sqlite

import (
	"context"
	"database/sql"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// GetPricing loads the pricing row and its tiers for (provider_type_id,
// model). Returns store.ErrNotFound when no row exists -- callers (Pricing,
// §4.8) treat that as the zero-cost fallback case.
func (s *Store) GetPricing(ctx context.Context, providerTypeID, model string) (gwcore.PricingRow, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, provider_type_id, model_name, cost_currency
		 FROM model_pricing WHERE provider_type_id = ? AND model_name = ?`,
		providerTypeID, model,
	)

	var p gwcore.PricingRow
	if err := row.Scan(&p.ID, &p.ProviderTypeID, &p.ModelName, &p.Currency); err != nil {
		return gwcore.PricingRow{}, notFoundErr(err)
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT token_type, min_tokens, max_tokens, price_per_token
		 FROM model_pricing_tiers WHERE model_pricing_id = ? ORDER BY min_tokens ASC`,
		p.ID,
	)
	if err != nil {
		return gwcore.PricingRow{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var t gwcore.PricingTier
		var maxTokens sql.NullInt64
		if err := rows.Scan(&t.TokenType, &t.MinTokens, &maxTokens, &t.PricePerToken); err != nil {
			return gwcore.PricingRow{}, err
		}
		if maxTokens.Valid {
			v := maxTokens.Int64
			t.MaxTokens = &v
		}
		p.Tiers = append(p.Tiers, t)
	}
	return p, rows.Err()
}
