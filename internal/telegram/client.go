// Package telegram sends run alerts via the Telegram Bot API.
// It formats the flags raised by a run into a MarkdownV2 message and handles
// delivery with retry logic.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/runflow/internal/logger"
	"github.com/rewired-gh/runflow/internal/models"
)

var log = logger.For("telegram")

// maxListedFlags caps the flags listed in one message; Telegram rejects
// messages over 4096 characters.
const maxListedFlags = 20

// Client handles Telegram notifications
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SendFlags posts the flags of a run. Nothing is sent when no flag fired.
func (c *Client) SendFlags(ctx context.Context, run models.RunContext, flags []models.Flag) error {
	if len(flags) == 0 {
		return nil
	}
	msg := tgbotapi.NewMessage(c.chatID, FormatFlags(run, flags))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			log.Info("sent %d flags of run %s", len(flags), run.RunID)
			return nil
		}
		lastErr = err
		log.Warn("send attempt %d/%d failed: %v", i+1, c.maxRetries, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// FormatFlags renders the flags of a run as a MarkdownV2 message
func FormatFlags(run models.RunContext, flags []models.Flag) string {
	var b strings.Builder

	b.WriteString("🚨 *Crowding Flags Raised*\n\n")
	fmt.Fprintf(&b, "🏁 Run: `%s`\n", escapeMarkdownV2(run.RunID))
	fmt.Fprintf(&b, "📅 Race clock zero: %s\n\n", escapeMarkdownV2(run.Epoch.Format("2006-01-02 15:04:05")))

	listed := flags
	if len(listed) > maxListedFlags {
		listed = listed[:maxListedFlags]
	}

	for i, f := range listed {
		unit := "p/m²"
		if f.Metric == "flow" {
			unit = "p/min/m"
		}
		valueStr := escapeMarkdownV2(fmt.Sprintf("%.2f", f.Value))
		thresholdStr := escapeMarkdownV2(fmt.Sprintf("%.2f", f.Threshold))
		windowStr := escapeMarkdownV2(fmt.Sprintf("%s +%s",
			f.TStart.Format("15:04:05"), formatDuration(f.TEnd.Sub(f.TStart))))

		fmt.Fprintf(&b, "%d\\. %s *%s* on %s\n", i+1, severityEmoji(f.Severity),
			escapeMarkdownV2(f.Trigger), escapeMarkdownV2(f.SegmentID))
		fmt.Fprintf(&b, "   📊 %s: *%s* %s \\(threshold %s\\)\n",
			escapeMarkdownV2(f.Metric), valueStr, escapeMarkdownV2(unit), thresholdStr)
		fmt.Fprintf(&b, "   ⏱ Window: %s\n", windowStr)
		if f.BinID != "" {
			fmt.Fprintf(&b, "   📍 Bin: %s\n", escapeMarkdownV2(f.BinID))
		}
		b.WriteString("\n")
	}

	if rest := len(flags) - len(listed); rest > 0 {
		fmt.Fprintf(&b, "…and %d more\n", rest)
	}

	return b.String()
}

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return "🔴"
	case "watch":
		return "🟠"
	default:
		return "🟡"
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// _ * [ ] ( ) ~ ` > # + - = | { } . ! all take a \ prefix
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if hours := int(d.Hours()); hours >= 1 {
		return fmt.Sprintf("%dh", hours)
	}
	if mins := int(d.Minutes()); mins >= 1 {
		if secs := int(d.Seconds()) % 60; secs != 0 {
			return fmt.Sprintf("%dm%ds", mins, secs)
		}
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
