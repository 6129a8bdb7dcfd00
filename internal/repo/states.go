package repo

import (
	"context"
	"errors"
	"fmt"

	"chatfunnel/internal/funnel"

	"github.com/jackc/pgx/v5"
)

const stateColumns = `tenant_id, bot_id, counterpart, display_name, current_node, waiting, completed, variables, last_interaction, created_at, updated_at`

// EnsureState creates the conversation state on first contact or refreshes the
// mutable fields of an existing one. Identity and funnel-position fields are
// written only on insert; the display name and interaction time always.
func (r *Repository) EnsureState(ctx context.Context, tenantID, botID, counterpart, displayName string) (*ConversationState, error) {
	const q = `
INSERT INTO conversation_states (tenant_id, bot_id, counterpart, display_name, current_node, waiting, completed, variables, last_interaction)
VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, '{}'::jsonb, NOW())
ON CONFLICT (tenant_id, bot_id, counterpart) DO UPDATE SET
    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), conversation_states.display_name),
    last_interaction = NOW(),
    updated_at = NOW()
RETURNING ` + stateColumns + `;`

	row := r.pool.QueryRow(ctx, q, tenantID, botID, counterpart, displayName, funnel.StartNodeID)
	return scanState(row)
}

// GetState loads the conversation state for a key.
func (r *Repository) GetState(ctx context.Context, tenantID, botID, counterpart string) (*ConversationState, error) {
	const q = `
SELECT ` + stateColumns + `
FROM conversation_states
WHERE tenant_id = $1 AND bot_id = $2 AND counterpart = $3
LIMIT 1;`

	state, err := scanState(r.pool.QueryRow(ctx, q, tenantID, botID, counterpart))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("state %s/%s/%s: %w", tenantID, botID, counterpart, ErrNotFound)
		}
		return nil, err
	}
	return state, nil
}

// ApplyTransition moves the state machine with a compare-and-set on the
// current node: the update lands only if no concurrent transition moved the
// conversation first and the funnel is not completed. Variables merge
// last-write-per-key. Returns false when the CAS lost.
func (r *Repository) ApplyTransition(ctx context.Context, tenantID, botID, counterpart, fromNode, toNode string, waiting, completed bool, variables map[string]any) (bool, error) {
	varsJSON, err := toJSON(variables)
	if err != nil {
		return false, err
	}
	if varsJSON == nil {
		varsJSON = []byte(`{}`)
	}

	const q = `
UPDATE conversation_states
SET current_node = $5,
    waiting = $6,
    completed = $7,
    variables = variables || $8::jsonb,
    last_interaction = NOW(),
    updated_at = NOW()
WHERE tenant_id = $1 AND bot_id = $2 AND counterpart = $3
  AND current_node = $4 AND completed = FALSE;`

	ct, err := r.pool.Exec(ctx, q, tenantID, botID, counterpart, fromNode, toNode, waiting, completed, string(varsJSON))
	if err != nil {
		return false, fmt.Errorf("apply transition: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFunnelCompleted force-completes a conversation regardless of node.
func (r *Repository) MarkFunnelCompleted(ctx context.Context, tenantID, botID, counterpart string) error {
	const q = `
UPDATE conversation_states
SET completed = TRUE, waiting = FALSE, updated_at = NOW()
WHERE tenant_id = $1 AND bot_id = $2 AND counterpart = $3;`

	ct, err := r.pool.Exec(ctx, q, tenantID, botID, counterpart)
	if err != nil {
		return fmt.Errorf("mark funnel completed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("state %s/%s/%s: %w", tenantID, botID, counterpart, ErrNotFound)
	}
	return nil
}

// ResetState restarts a completed conversation at the start node, clearing
// the variable bag. Used by the explicit new-conversation directive.
func (r *Repository) ResetState(ctx context.Context, tenantID, botID, counterpart string) error {
	const q = `
UPDATE conversation_states
SET current_node = $4, waiting = FALSE, completed = FALSE, variables = '{}'::jsonb,
    last_interaction = NOW(), updated_at = NOW()
WHERE tenant_id = $1 AND bot_id = $2 AND counterpart = $3;`

	ct, err := r.pool.Exec(ctx, q, tenantID, botID, counterpart, funnel.StartNodeID)
	if err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("state %s/%s/%s: %w", tenantID, botID, counterpart, ErrNotFound)
	}
	return nil
}

// DeleteState erases a single conversation (tenant data-erasure path).
func (r *Repository) DeleteState(ctx context.Context, tenantID, botID, counterpart string) error {
	const q = `DELETE FROM conversation_states WHERE tenant_id = $1 AND bot_id = $2 AND counterpart = $3;`
	if _, err := r.pool.Exec(ctx, q, tenantID, botID, counterpart); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// DeleteStatesByBot erases every conversation of a bot.
func (r *Repository) DeleteStatesByBot(ctx context.Context, tenantID, botID string) error {
	const q = `DELETE FROM conversation_states WHERE tenant_id = $1 AND bot_id = $2;`
	if _, err := r.pool.Exec(ctx, q, tenantID, botID); err != nil {
		return fmt.Errorf("delete states by bot: %w", err)
	}
	return nil
}

// ListContacts returns contacts ordered by most recent interaction, plus
// completion totals for the whole tenant/bot scope.
func (r *Repository) ListContacts(ctx context.Context, tenantID, botID string, page, limit int) (*ContactPage, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	offset := (page - 1) * limit

	const countQ = `
SELECT COUNT(*), COUNT(*) FILTER (WHERE completed)
FROM conversation_states
WHERE tenant_id = $1 AND bot_id = $2;`

	var total, completed int
	if err := r.pool.QueryRow(ctx, countQ, tenantID, botID).Scan(&total, &completed); err != nil {
		return nil, fmt.Errorf("count contacts: %w", err)
	}

	const pageQ = `
SELECT display_name, counterpart, completed, last_interaction
FROM conversation_states
WHERE tenant_id = $1 AND bot_id = $2
ORDER BY last_interaction DESC
LIMIT $3 OFFSET $4;`

	rows, err := r.pool.Query(ctx, pageQ, tenantID, botID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []ContactSummary
	for rows.Next() {
		var c ContactSummary
		if err := rows.Scan(&c.DisplayName, &c.Counterpart, &c.CompletedFunnel, &c.LastInteractionAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}

	totalPages := (total + limit - 1) / limit
	return &ContactPage{
		Contacts:       contacts,
		Page:           page,
		Limit:          limit,
		Total:          total,
		TotalPages:     totalPages,
		TotalCompleted: completed,
		TotalOpen:      total - completed,
	}, nil
}

// AddContactTag tags a counterpart. Re-applying the same tag is a no-op.
func (r *Repository) AddContactTag(ctx context.Context, tenantID, botID, counterpart, tag string) error {
	const q = `
INSERT INTO contact_tags (tenant_id, bot_id, counterpart, tag)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, bot_id, counterpart, tag) DO NOTHING;`

	if _, err := r.pool.Exec(ctx, q, tenantID, botID, counterpart, tag); err != nil {
		return fmt.Errorf("add contact tag: %w", err)
	}
	return nil
}

func scanState(row pgx.Row) (*ConversationState, error) {
	var s ConversationState
	var varsJSON []byte
	err := row.Scan(
		&s.TenantID,
		&s.BotID,
		&s.Counterpart,
		&s.DisplayName,
		&s.CurrentNodeID,
		&s.WaitingForReply,
		&s.CompletedFunnel,
		&varsJSON,
		&s.LastInteractionAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation state: %w", err)
	}
	s.Variables = mapFromJSON(varsJSON)
	return &s, nil
}
