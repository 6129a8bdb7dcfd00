package handlers

import (
	"context"
	"fmt"
	"log/slog"
)

// OperatorNotifier implements human hand-off by messaging a configured
// operator number. An empty operator disables notifications; the hand-off is
// still logged so nothing is silently dropped.
type OperatorNotifier struct {
	operator  string
	transport Transport
	logger    *slog.Logger
}

func NewOperatorNotifier(operator string, transport Transport, logger *slog.Logger) *OperatorNotifier {
	return &OperatorNotifier{
		operator:  operator,
		transport: transport,
		logger:    logger.With(slog.String("component", "handoff")),
	}
}

func (n *OperatorNotifier) TransferToHuman(ctx context.Context, tenantID, botID, counterpart string) error {
	n.logger.Info("human hand-off requested",
		slog.String("tenant", tenantID),
		slog.String("bot", botID),
		slog.String("counterpart", counterpart))

	if n.operator == "" {
		return nil
	}
	text := fmt.Sprintf("Hand-off requested: contact %s (bot %s) needs a human.", counterpart, botID)
	return n.transport.SendText(ctx, n.operator, text)
}
