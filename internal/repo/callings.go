package repo

import (
	"context"
	"fmt"

	"chatfunnel/internal/calling"

	"github.com/jackc/pgx/v5"
)

// SaveCallingConfig replaces the whole calling table for a tenant/bot pair.
// Each calling is validated so the stored row always holds exactly one of the
// two payload variants.
func (r *Repository) SaveCallingConfig(ctx context.Context, tenantID, botID string, callings []calling.Calling) error {
	for i := range callings {
		if err := callings[i].Validate(); err != nil {
			return err
		}
	}

	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM callings WHERE tenant_id = $1 AND bot_id = $2;`, tenantID, botID); err != nil {
			return fmt.Errorf("clear callings: %w", err)
		}

		const insertQ = `
INSERT INTO callings (tenant_id, bot_id, key, enabled, actions, payment_config)
VALUES ($1, $2, $3, $4, $5, $6);`

		for i := range callings {
			c := &callings[i]
			var actionsJSON, paymentJSON []byte
			var err error
			if bundle, ok := c.Actions(); ok {
				actionsJSON, err = toJSON(bundle)
			} else if cfg, ok := c.Payment(); ok {
				paymentJSON, err = toJSON(cfg)
			}
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, insertQ, tenantID, botID, c.Key, c.Enabled, jsonParam(actionsJSON), jsonParam(paymentJSON)); err != nil {
				return fmt.Errorf("insert calling %q: %w", c.Key, err)
			}
		}
		return nil
	})
}

// GetCallingConfig loads every calling of a tenant/bot pair.
func (r *Repository) GetCallingConfig(ctx context.Context, tenantID, botID string) ([]calling.Calling, error) {
	const q = `
SELECT key, enabled, actions, payment_config
FROM callings
WHERE tenant_id = $1 AND bot_id = $2
ORDER BY key;`

	rows, err := r.pool.Query(ctx, q, tenantID, botID)
	if err != nil {
		return nil, fmt.Errorf("get calling config: %w", err)
	}
	defer rows.Close()

	var callings []calling.Calling
	for rows.Next() {
		var (
			c           calling.Calling
			actionsJSON []byte
			paymentJSON []byte
		)
		if err := rows.Scan(&c.Key, &c.Enabled, &actionsJSON, &paymentJSON); err != nil {
			return nil, fmt.Errorf("scan calling: %w", err)
		}
		switch {
		case len(paymentJSON) > 0:
			cfg := &calling.PaymentConfig{}
			if err := jsonUnmarshal(paymentJSON, cfg); err != nil {
				return nil, fmt.Errorf("decode payment config %q: %w", c.Key, err)
			}
			c.Spec = cfg
		default:
			bundle := &calling.ActionBundle{}
			if len(actionsJSON) > 0 {
				if err := jsonUnmarshal(actionsJSON, bundle); err != nil {
					return nil, fmt.Errorf("decode actions %q: %w", c.Key, err)
				}
			}
			c.Spec = bundle
		}
		callings = append(callings, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate callings: %w", err)
	}
	return callings, nil
}

// BulkSetCallingEnabled toggles only the enabled flag of the matching keys.
// Keys without a row are left untouched; an empty update list is a no-op.
// Returns the number of callings actually updated.
func (r *Repository) BulkSetCallingEnabled(ctx context.Context, tenantID, botID string, updates []calling.StatusUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	keys := make([]string, len(updates))
	enabled := make([]bool, len(updates))
	for i, u := range updates {
		keys[i] = u.Key
		enabled[i] = u.Enabled
	}

	const q = `
UPDATE callings AS c
SET enabled = u.enabled, updated_at = NOW()
FROM (SELECT unnest($3::text[]) AS key, unnest($4::boolean[]) AS enabled) AS u
WHERE c.tenant_id = $1 AND c.bot_id = $2 AND c.key = u.key;`

	ct, err := r.pool.Exec(ctx, q, tenantID, botID, keys, enabled)
	if err != nil {
		return 0, fmt.Errorf("bulk set calling enabled: %w", err)
	}
	return ct.RowsAffected(), nil
}

// DeleteCallingConfig removes every calling of a tenant/bot pair.
func (r *Repository) DeleteCallingConfig(ctx context.Context, tenantID, botID string) error {
	const q = `DELETE FROM callings WHERE tenant_id = $1 AND bot_id = $2;`
	ct, err := r.pool.Exec(ctx, q, tenantID, botID)
	if err != nil {
		return fmt.Errorf("delete calling config: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("callings %s/%s: %w", tenantID, botID, ErrNotFound)
	}
	return nil
}
