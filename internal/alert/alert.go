// Package alert delivers operator notifications over outbound webhooks.
// Delivery is best effort and asynchronous: the trading path never blocks
// on a notification channel.
package alert

import (
	"context"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
)

// Level grades a notification.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Message is one notification fanned out to every channel.
type Message struct {
	Level  Level
	Title  string
	Body   string
	Fields map[string]string
	At     time.Time
}

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier fans messages out to the configured channels. A Notifier with no
// channels is valid and drops everything.
type Notifier struct {
	clock   core.Clock
	logger  core.ILogger
	timeout time.Duration

	mu       sync.RWMutex
	channels []Channel
	wg       sync.WaitGroup
}

// New builds a notifier from configuration. Channels with empty credentials
// are skipped.
func New(cfg config.AlertsConfig, clk core.Clock, logger core.ILogger) *Notifier {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	n := &Notifier{
		clock:   clk,
		logger:  logger.WithField("component", "alert_notifier"),
		timeout: timeout,
	}
	if cfg.SlackWebhookURL != "" {
		n.AddChannel(NewSlackChannel(cfg.SlackWebhookURL.Reveal(), timeout))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		n.AddChannel(NewTelegramChannel(cfg.TelegramBotToken.Reveal(), cfg.TelegramChatID, timeout))
	}
	return n
}

// AddChannel registers a delivery target.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	n.channels = append(n.channels, ch)
	n.mu.Unlock()
	n.logger.Info("Alert channel registered", "channel", ch.Name())
}

// Notify sends asynchronously to every channel. Failures are logged, never
// propagated.
func (n *Notifier) Notify(level Level, title, body string, fields map[string]string) {
	msg := Message{
		Level:  level,
		Title:  title,
		Body:   body,
		Fields: fields,
		At:     n.clock.Now(),
	}

	n.mu.RLock()
	channels := make([]Channel, len(n.channels))
	copy(channels, n.channels)
	n.mu.RUnlock()
	if len(channels) == 0 {
		return
	}

	n.logger.Info("Dispatching alert", "level", level, "title", title)
	for _, ch := range channels {
		n.wg.Add(1)
		go func(c Channel) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			if err := c.Send(ctx, msg); err != nil {
				n.logger.Error("Alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Critical sends a CRITICAL notification.
func (n *Notifier) Critical(title, body string, fields map[string]string) {
	n.Notify(LevelCritical, title, body, fields)
}

// Warn sends a WARNING notification.
func (n *Notifier) Warn(title, body string, fields map[string]string) {
	n.Notify(LevelWarning, title, body, fields)
}

// Flush waits for every in-flight delivery to finish.
func (n *Notifier) Flush() {
	n.wg.Wait()
}
