// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pulselab/signalpulse/internal/closeloop"
	"github.com/pulselab/signalpulse/internal/models"
	"github.com/pulselab/signalpulse/internal/velocity"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
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

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Close\\-loop pass error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Close\\-loop pass recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendPassSummary sends the outcome of one close-the-loop pass.
func (c *Client) SendPassSummary(summary closeloop.Summary) error {
	return c.sendMarkdownV2(c.formatPassSummary(summary))
}

// SendWarnings sends an early-warning digest for growing topics.
func (c *Client) SendWarnings(warnings []velocity.TopicWarning) error {
	if len(warnings) == 0 {
		return nil
	}
	return c.sendMarkdownV2(c.formatWarnings(warnings))
}

func (c *Client) formatPassSummary(summary closeloop.Summary) string {
	message := "🔁 *Close\\-the\\-loop pass*\n\n"
	message += fmt.Sprintf("Monitored %d of %d opportunities\n",
		summary.Monitored, summary.Total)
	message += fmt.Sprintf("✅ recovered: %d\n", summary.StatusBreakdown[models.CloseLoopRecovered])
	message += fmt.Sprintf("👀 monitoring: %d\n", summary.StatusBreakdown[models.CloseLoopMonitoring])
	message += fmt.Sprintf("❌ not recovered: %d\n", summary.StatusBreakdown[models.CloseLoopNotRecovered])
	return message
}

func (c *Client) formatWarnings(warnings []velocity.TopicWarning) string {
	message := "🚨 *Growing feedback topics*\n\n"

	for i, w := range warnings {
		area := w.ProductAreaName
		if area == "" {
			area = "unassigned"
		}
		message += fmt.Sprintf("%d\\. *%s* \\(%s\\)\n",
			i+1, escapeMarkdownV2(w.Topic), escapeMarkdownV2(area))

		velocityStr := escapeMarkdownV2(fmt.Sprintf("%+.1f/h", w.VelocityPerHour))
		projectedStr := escapeMarkdownV2(fmt.Sprintf("%.0f", w.ProjectedIntensity))
		message += fmt.Sprintf("   📈 %s, projected intensity %s\n", velocityStr, projectedStr)

		if w.TimeToCriticalHours != nil {
			ttcStr := escapeMarkdownV2(fmt.Sprintf("%.1fh", *w.TimeToCriticalHours))
			message += fmt.Sprintf("   ⏱ critical in \\~%s\n", ttcStr)
		}
	}

	return message
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
