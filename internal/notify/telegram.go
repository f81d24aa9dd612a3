package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/task"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const telegramMaxLen = 4096

type messageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Telegram posts a short text message per event to one chat.
type Telegram struct {
	bot    messageSender
	chatID int64
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram notifier requires a chat id")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, ev Event) error {
	for _, chunk := range chunkMessage(formatEvent(ev), telegramMaxLen) {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func formatEvent(ev Event) string {
	var b strings.Builder
	switch {
	case ev.Summary != nil:
		s := ev.Summary
		name := s.Name
		if name == "" {
			name = s.WorkflowID
		}
		fmt.Fprintf(&b, "Workflow %s %s: %d completed, %d failed, %d skipped", name, s.Status, s.Completed, s.Failed, s.Skipped)
		if s.FirstFailure != nil && s.FirstFailure.Error != nil {
			fmt.Fprintf(&b, "\nFirst failure in %s: %s", s.FirstFailure.Name, s.FirstFailure.Error.Message)
		}
	case ev.Task != nil:
		tk := ev.Task
		label := tk.Description
		if tk.Step != "" {
			label = tk.Step
		}
		fmt.Fprintf(&b, "Task %s (%s) %s", label, tk.AgentID, tk.State)
		if tk.State == task.StateFailed && tk.Error != nil {
			fmt.Fprintf(&b, "\n%s", tk.Error.Error())
		} else if d := tk.Duration(); d > 0 {
			fmt.Fprintf(&b, " in %s", d.Round(time.Millisecond))
		}
	default:
		b.WriteString(string(ev.Type))
	}
	return b.String()
}

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Prefer splitting at a newline in the second half
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
