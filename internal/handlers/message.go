// Package handlers glues the chat transport to the funnel engine and the
// calling engine.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"chatfunnel/internal/calling"
	"chatfunnel/internal/engine"
	"chatfunnel/internal/funnel"
	"chatfunnel/internal/metrics"
	"chatfunnel/internal/repo"
	"chatfunnel/internal/wa"
)

// Classifier turns a raw message into the edge handle and calling key it
// expresses. An empty handle means the message matched nothing.
type Classifier interface {
	Classify(text string, node *funnel.Node) engine.InboundEvent
}

// Transport sends text to a counterpart.
type Transport interface {
	SendText(ctx context.Context, counterpart, text string) error
}

// MessageHandler processes inbound chat messages for one bot.
type MessageHandler struct {
	tenantID   string
	botID      string
	engine     *engine.Engine
	callings   *calling.Engine
	classifier Classifier
	transport  Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewMessageHandler(tenantID, botID string, eng *engine.Engine, callings *calling.Engine, classifier Classifier, transport Transport, logger *slog.Logger, m *metrics.Metrics) *MessageHandler {
	return &MessageHandler{
		tenantID:   tenantID,
		botID:      botID,
		engine:     eng,
		callings:   callings,
		classifier: classifier,
		transport:  transport,
		logger:     logger.With(slog.String("component", "handlers")),
		metrics:    m,
	}
}

// ProcessMessage classifies the message, advances the conversation and fires
// any calling the message expressed.
func (h *MessageHandler) ProcessMessage(ctx context.Context, msg wa.Inbound) {
	node, err := h.engine.CurrentNode(ctx, h.tenantID, h.botID, msg.Counterpart)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		h.logger.Error("load current node failed", "counterpart", msg.Counterpart, "error", err)
		h.metrics.Errors.WithLabelValues("handlers").Inc()
		return
	}

	evt := h.classifier.Classify(msg.Text, node)
	evt.Text = msg.Text

	res, err := h.engine.HandleInbound(ctx, h.tenantID, h.botID, msg.Counterpart, msg.DisplayName, evt)
	if err != nil {
		h.logger.Error("handle inbound failed", "counterpart", msg.Counterpart, "error", err)
		h.metrics.Errors.WithLabelValues("handlers").Inc()
		return
	}

	if res.Moved {
		h.sendNodeContent(ctx, msg.Counterpart)
	}

	if evt.CallingKey != "" {
		if err := h.callings.Trigger(ctx, h.tenantID, h.botID, msg.Counterpart, evt.CallingKey); err != nil {
			h.logger.Error("calling trigger failed",
				"counterpart", msg.Counterpart, "key", evt.CallingKey, "error", err)
			h.metrics.Errors.WithLabelValues("handlers").Inc()
		}
	}
}

// sendNodeContent delivers the message of the node the conversation just
// entered.
func (h *MessageHandler) sendNodeContent(ctx context.Context, counterpart string) {
	node, err := h.engine.CurrentNode(ctx, h.tenantID, h.botID, counterpart)
	if err != nil || node == nil || node.Content == "" {
		return
	}
	if err := h.transport.SendText(ctx, counterpart, node.Content); err != nil {
		h.logger.Error("send node content failed", "counterpart", counterpart, "error", err)
		h.metrics.Errors.WithLabelValues("handlers").Inc()
	}
}

// KeywordClassifier matches edge handles and calling keywords by
// case-insensitive word lookup.
type KeywordClassifier struct {
	// CallingKeywords maps a calling key to the words that trigger it.
	CallingKeywords map[string][]string
}

func (c *KeywordClassifier) Classify(text string, node *funnel.Node) engine.InboundEvent {
	evt := engine.InboundEvent{Text: text}
	lowered := strings.ToLower(text)

	if node != nil {
		for _, edge := range node.Edges {
			if edge.Handle != "" && containsWord(lowered, strings.ToLower(edge.Handle)) {
				evt.MatchedHandle = edge.Handle
				break
			}
		}
	}

	for key, words := range c.CallingKeywords {
		for _, word := range words {
			if containsWord(lowered, strings.ToLower(word)) {
				evt.CallingKey = key
				break
			}
		}
		if evt.CallingKey != "" {
			break
		}
	}
	return evt
}

func containsWord(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	idx := 0
	for {
		pos := strings.Index(haystack[idx:], needle)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(needle)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b >= 'A' && b <= 'Z'
}
