// Package messaging implements the rate-limited broadcast channel: validation,
// per-sender cooldown, persistence, and fan-out through the change feed.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/xid"
	"golang.org/x/text/unicode/norm"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/repository"
)

// MaxHistoryLimit caps History and Recent regardless of the requested limit.
const MaxHistoryLimit = 100

// Publisher receives committed changes. realtime.Feed implements it.
type Publisher interface {
	Publish(change model.Change)
}

type Config struct {
	Cooldown        time.Duration
	TooltipDuration time.Duration
	MaxLength       int
	HistoryLimit    int
}

func DefaultConfig() Config {
	return Config{
		Cooldown:        8 * time.Second,
		TooltipDuration: 5 * time.Second,
		MaxLength:       50,
		HistoryLimit:    30,
	}
}

type Channel struct {
	messages  repository.MessageRepository
	cooldowns repository.CooldownStore
	publisher Publisher
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
}

func NewChannel(
	messages repository.MessageRepository,
	cooldowns repository.CooldownStore,
	publisher Publisher,
	clk clock.Clock,
	cfg Config,
	logger *slog.Logger,
) *Channel {
	return &Channel{
		messages:  messages,
		cooldowns: cooldowns,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

func (c *Channel) Config() Config {
	return c.cfg
}

// Normalize trims surrounding whitespace and converts content to NFC so that
// length limits count what users see.
func Normalize(content string) string {
	return norm.NFC.String(strings.TrimSpace(content))
}

// Validate checks normalized content against the length limits.
func (c *Channel) Validate(content string) error {
	if content == "" {
		return apperror.ValidationFailed("content", "message cannot be empty")
	}
	if n := utf8.RuneCountInString(content); n > c.cfg.MaxLength {
		return apperror.ValidationFailed("content",
			fmt.Sprintf("message cannot exceed %d characters (got %d)", c.cfg.MaxLength, n))
	}
	return nil
}

// Send validates and broadcasts a user message.
//
// The cooldown is consumed before the insert; if the insert then fails the
// sender still waits out the cooldown.
func (c *Channel) Send(ctx context.Context, sender model.Identity, content string) (*model.ChatMessage, error) {
	content = Normalize(content)
	if err := c.Validate(content); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	remaining, ok, err := c.cooldowns.Acquire(ctx, sender.ID, now, c.cfg.Cooldown)
	if err != nil {
		c.logger.Error("cooldown check failed",
			slog.String("user_id", sender.ID),
			slog.String("error", err.Error()),
		)
		return nil, apperror.Unavailable("messaging", err)
	}
	if !ok {
		c.logger.Debug("message rate limited",
			slog.String("user_id", sender.ID),
			slog.Duration("remaining", remaining),
		)
		return nil, apperror.RateLimited(remaining)
	}

	msg := &model.ChatMessage{
		ID:           xid.New().String(),
		SenderID:     sender.ID,
		SenderEmail:  sender.Email,
		Content:      content,
		Type:         model.MessageTypeMessage,
		CreatedAt:    now,
		VisibleUntil: now.Add(c.cfg.TooltipDuration),
	}
	if err := c.insert(ctx, msg); err != nil {
		return nil, err
	}

	c.logger.Info("message sent",
		slog.String("id", msg.ID),
		slog.String("user_id", sender.ID),
		slog.Int("length", utf8.RuneCountInString(content)),
	)
	return msg, nil
}

// SendSystem posts a join or info notice from the system sender. System
// notices bypass the cooldown and the length limit.
func (c *Channel) SendSystem(ctx context.Context, typ model.MessageType, content string) (*model.ChatMessage, error) {
	if typ == model.MessageTypeMessage || !typ.Valid() {
		return nil, apperror.ValidationFailed("type", fmt.Sprintf("invalid system message type %q", typ))
	}
	content = Normalize(content)
	if content == "" {
		return nil, apperror.ValidationFailed("content", "message cannot be empty")
	}

	now := c.clock.Now()
	msg := &model.ChatMessage{
		ID:           xid.New().String(),
		SenderID:     model.SystemSenderID,
		SenderEmail:  model.SystemSenderEmail,
		Content:      content,
		Type:         typ,
		CreatedAt:    now,
		VisibleUntil: now.Add(c.cfg.TooltipDuration),
	}
	if err := c.insert(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Channel) insert(ctx context.Context, msg *model.ChatMessage) error {
	if err := c.messages.Insert(ctx, msg); err != nil {
		c.logger.Error("failed to store message",
			slog.String("user_id", msg.SenderID),
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()),
		)
		return apperror.Unavailable("messaging", err)
	}
	if c.publisher != nil {
		c.publisher.Publish(model.Change{Table: model.TableChatMessages, Event: model.EventInsert, Record: msg})
	}
	return nil
}

// History returns the identity's own messages, most recent first. Visibility
// is not considered: history is permanent.
func (c *Channel) History(ctx context.Context, identity string, limit int) ([]model.ChatMessage, error) {
	msgs, err := c.messages.ListBySender(ctx, identity, c.clampLimit(limit))
	if err != nil {
		return nil, c.unavailable("history", err)
	}
	return msgs, nil
}

// Recent returns the latest messages from everyone, most recent first.
func (c *Channel) Recent(ctx context.Context, limit int) ([]model.ChatMessage, error) {
	msgs, err := c.messages.ListRecent(ctx, c.clampLimit(limit))
	if err != nil {
		return nil, c.unavailable("recent messages", err)
	}
	return msgs, nil
}

func (c *Channel) clampLimit(limit int) int {
	if limit <= 0 {
		limit = c.cfg.HistoryLimit
	}
	return min(limit, MaxHistoryLimit)
}

func (c *Channel) unavailable(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	c.logger.Error("message query failed", slog.String("op", op), slog.String("error", err.Error()))
	return apperror.Unavailable(op, err)
}
