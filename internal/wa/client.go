package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"chatfunnel/internal/metrics"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// Client wraps the WhatsMeow client as the chat transport. Counterparts are
// addressed by plain phone-number strings; JID plumbing stays inside this
// package.
type Client struct {
	client    *whatsmeow.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor MessageProcessor
}

// Inbound is one text message received from a counterpart.
type Inbound struct {
	Counterpart string
	DisplayName string
	Text        string
}

// MessageProcessor handles inbound messages.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, msg Inbound)
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// SetMessageProcessor registers the inbound message callback.
func (c *Client) SetMessageProcessor(processor MessageProcessor) {
	c.processor = processor
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	msg := evt.Message
	if msg == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	text := extractText(msg)
	if text == "" {
		if c.metrics != nil {
			c.metrics.InboundMessages.WithLabelValues("unsupported").Inc()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.InboundMessages.WithLabelValues("text").Inc()
	}

	inbound := Inbound{
		Counterpart: evt.Info.Sender.ToNonAD().User,
		DisplayName: evt.Info.PushName,
		Text:        text,
	}
	c.logger.Debug("received text message", "from", inbound.Counterpart)

	if c.processor != nil {
		go c.processor.ProcessMessage(context.Background(), inbound)
	}
}

func extractText(msg *waProto.Message) string {
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if msg.ExtendedTextMessage != nil {
		return msg.GetExtendedTextMessage().GetText()
	}
	return ""
}

// SendText sends a text message to a counterpart phone number.
func (c *Client) SendText(ctx context.Context, counterpart, text string) error {
	jid, err := toJID(counterpart)
	if err != nil {
		return err
	}

	message := &waProto.Message{Conversation: proto.String(text)}
	if _, err := c.client.SendMessage(ctx, jid, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if c.metrics != nil {
		c.metrics.OutboundMessages.WithLabelValues("text").Inc()
	}
	return nil
}

func toJID(counterpart string) (types.JID, error) {
	if counterpart == "" {
		return types.JID{}, errors.New("empty counterpart")
	}
	jid, err := types.ParseJID(counterpart)
	if err != nil || jid.Server == "" {
		jid = types.NewJID(counterpart, types.DefaultUserServer)
	}
	return jid, nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
