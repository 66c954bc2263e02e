// Package alerts notifies operators about run lifecycle events over
// Telegram. Alerting is advisory: failures are logged and never affect the
// run that triggered them.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"pushpilot/internal/automation"
	"pushpilot/pkg/logx"
)

type Config struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chatId,omitempty"`
}

type Notifier struct {
	bot  *tele.Bot
	chat *tele.Chat
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alerts token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alerts chat id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: nil, // default client; the bot only sends, it never polls
	})
	if err != nil {
		return nil, err
	}
	return &Notifier{bot: bot, chat: &tele.Chat{ID: cfg.ChatID}, log: log}, nil
}

func (n *Notifier) RunStarted(ctx context.Context, auto *automation.Automation) {
	n.send(ctx, fmt.Sprintf("▶️ Automation %q (%s) started: %d step(s), delivery at %s",
		auto.Name, auto.ID, len(auto.PushSequence), auto.Schedule.ExecutionTime))
}

func (n *Notifier) RunCompleted(ctx context.Context, auto *automation.Automation, report automation.DeliveryReport) {
	n.send(ctx, fmt.Sprintf("✅ Automation %q (%s) completed: %d notification(s) sent across %d step(s)",
		auto.Name, auto.ID, report.Sent(), len(report.Steps)))
}

func (n *Notifier) RunFailed(ctx context.Context, auto *automation.Automation, phase automation.Phase, err error) {
	icon := "❌"
	if errors.Is(err, automation.ErrEmergencyStop) {
		icon = "🛑"
	}
	n.send(ctx, fmt.Sprintf("%s Automation %q (%s) stopped in phase %s: %v",
		icon, auto.Name, auto.ID, phase, err))
}

func (n *Notifier) send(ctx context.Context, text string) {
	// telebot's Send has no context support; bound the call ourselves so a
	// Telegram outage cannot stall the engine.
	done := make(chan error, 1)
	go func() {
		_, err := n.bot.Send(n.chat, text)
		done <- err
	}()

	tmr := time.NewTimer(10 * time.Second)
	defer tmr.Stop()
	select {
	case err := <-done:
		if err != nil {
			n.log.Warn("operator alert failed", logx.Err(err))
		}
	case <-tmr.C:
		n.log.Warn("operator alert timed out")
	case <-ctx.Done():
	}
}
