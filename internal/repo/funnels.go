package repo

import (
	"context"
	"errors"
	"fmt"

	"chatfunnel/internal/funnel"

	"github.com/jackc/pgx/v5"
)

// PublishFunnel validates and replaces a tenant/bot funnel wholesale. A fresh
// graph starts inactive; on replace the previous active flag is preserved and
// the version counter is bumped.
func (r *Repository) PublishFunnel(ctx context.Context, tenantID, botID string, nodes []funnel.Node) (*funnel.Graph, error) {
	if err := funnel.Validate(nodes); err != nil {
		return nil, err
	}

	nodesJSON, err := toJSON(nodes)
	if err != nil {
		return nil, err
	}

	const q = `
INSERT INTO funnels (tenant_id, bot_id, nodes, active, version, updated_at)
VALUES ($1, $2, $3, FALSE, 1, NOW())
ON CONFLICT (tenant_id, bot_id) DO UPDATE SET
    nodes = EXCLUDED.nodes,
    version = funnels.version + 1,
    updated_at = NOW()
RETURNING tenant_id, bot_id, nodes, active, version;
`
	row := r.pool.QueryRow(ctx, q, tenantID, botID, jsonParam(nodesJSON))
	return scanGraph(row)
}

// SetFunnelActive toggles the active flag without touching content.
func (r *Repository) SetFunnelActive(ctx context.Context, tenantID, botID string, active bool) error {
	const q = `
UPDATE funnels
SET active = $3, updated_at = NOW()
WHERE tenant_id = $1 AND bot_id = $2;
`
	ct, err := r.pool.Exec(ctx, q, tenantID, botID, active)
	if err != nil {
		return fmt.Errorf("set funnel active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("funnel %s/%s: %w", tenantID, botID, ErrNotFound)
	}
	return nil
}

// GetFunnel resolves the current graph for a tenant/bot pair.
func (r *Repository) GetFunnel(ctx context.Context, tenantID, botID string) (*funnel.Graph, error) {
	const q = `
SELECT tenant_id, bot_id, nodes, active, version
FROM funnels
WHERE tenant_id = $1 AND bot_id = $2
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, tenantID, botID)
	graph, err := scanGraph(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("funnel %s/%s: %w", tenantID, botID, ErrNotFound)
		}
		return nil, err
	}
	return graph, nil
}

// GetFunnelStatus returns only the active flag and version.
func (r *Repository) GetFunnelStatus(ctx context.Context, tenantID, botID string) (active bool, version int, err error) {
	const q = `
SELECT active, version
FROM funnels
WHERE tenant_id = $1 AND bot_id = $2
LIMIT 1;
`
	err = r.pool.QueryRow(ctx, q, tenantID, botID).Scan(&active, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, fmt.Errorf("funnel %s/%s: %w", tenantID, botID, ErrNotFound)
		}
		return false, 0, fmt.Errorf("get funnel status: %w", err)
	}
	return active, version, nil
}

// DeleteFunnel removes the funnel for a tenant/bot pair.
func (r *Repository) DeleteFunnel(ctx context.Context, tenantID, botID string) error {
	const q = `DELETE FROM funnels WHERE tenant_id = $1 AND bot_id = $2;`
	ct, err := r.pool.Exec(ctx, q, tenantID, botID)
	if err != nil {
		return fmt.Errorf("delete funnel: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("funnel %s/%s: %w", tenantID, botID, ErrNotFound)
	}
	return nil
}

func scanGraph(row pgx.Row) (*funnel.Graph, error) {
	var g funnel.Graph
	var nodesJSON []byte
	if err := row.Scan(&g.TenantID, &g.BotID, &nodesJSON, &g.Active, &g.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan funnel: %w", err)
	}
	if len(nodesJSON) > 0 {
		if err := jsonUnmarshal(nodesJSON, &g.Nodes); err != nil {
			return nil, fmt.Errorf("decode funnel nodes: %w", err)
		}
	}
	return &g, nil
}
