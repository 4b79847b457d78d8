// Package telegram adapts the gateway to a Telegram bot: inbound messages
// become agent requests, outbound token streams are coalesced into
// rate-limited message edits, and permission prompts render as inline
// Allow/Deny keyboards.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/agentblob/agentblob/internal/config"
	"github.com/agentblob/agentblob/internal/gateway"
	"github.com/agentblob/agentblob/internal/protocol"
)

// Gateway is the slice of the gateway the adapter drives.
type Gateway interface {
	AttachSink(channel string, sink gateway.EventSink)
	DetachSink(channel string, sink gateway.EventSink)
	AgentRequest(ctx context.Context, channel, message string) (string, int, error)
	PermissionRespond(permID, decision string, remember bool, capability string) bool
	StopRun(ctx context.Context, channel, runID string) (string, error)
}

type Adapter struct {
	gw     Gateway
	cfg    config.TelegramConfig
	cursor *Cursor
	logger *slog.Logger

	bot *bot.Bot

	mu        sync.Mutex
	renderers map[int64]*Renderer // by chat id
}

func New(gw Gateway, cfg config.TelegramConfig, cursorPath string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		gw:        gw,
		cfg:       cfg,
		cursor:    NewCursor(cursorPath),
		logger:    logger.With("adapter", "telegram"),
		renderers: map[int64]*Renderer{},
	}
}

// Run starts long-polling until the context ends. The bot token comes from
// the environment only.
func (a *Adapter) Run(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	b, err := bot.New(token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	a.bot = b
	a.logger.Info("telegram adapter started")
	b.Start(ctx)
	return ctx.Err()
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	// The persisted cursor makes restarts skip already-processed updates.
	if !a.cursor.Advance(update.ID) {
		return
	}
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, b, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		a.handleMessage(ctx, b, update.Message)
	}
}

func (a *Adapter) allowed(chatID int64) bool {
	if len(a.cfg.AllowedIDs) == 0 {
		return true
	}
	for _, id := range a.cfg.AllowedIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func channelFor(chatID int64) string {
	return "tg_" + strconv.FormatInt(chatID, 10)
}

func (a *Adapter) renderer(ctx context.Context, b *bot.Bot, chatID int64) *Renderer {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.renderers[chatID]
	if !ok {
		r = NewRenderer(b, chatID, a.cfg.EditRate(), a.logger)
		a.renderers[chatID] = r
		a.gw.AttachSink(channelFor(chatID), r)
		go r.loop(ctx)
	}
	return r
}

func (a *Adapter) handleMessage(ctx context.Context, b *bot.Bot, msg *models.Message) {
	chatID := msg.Chat.ID
	if !a.allowed(chatID) {
		a.logger.Warn("message from unauthorized chat", "chat_id", chatID)
		return
	}
	a.renderer(ctx, b, chatID)

	text := strings.TrimSpace(msg.Text)
	if text == "/stop" {
		if _, err := a.gw.StopRun(ctx, channelFor(chatID), ""); err != nil {
			a.reply(ctx, b, chatID, "nothing to stop")
		}
		return
	}

	_, position, err := a.gw.AgentRequest(ctx, channelFor(chatID), text)
	if err != nil {
		a.reply(ctx, b, chatID, "could not accept request: "+err.Error())
		return
	}
	if position > 0 {
		a.reply(ctx, b, chatID, fmt.Sprintf("queued at position %d", position))
	}
}

func (a *Adapter) handleCallback(ctx context.Context, b *bot.Bot, cq *models.CallbackQuery) {
	defer func() {
		_, _ = b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID})
	}()
	permID, decision, ok := parsePermCallback(cq.Data)
	if !ok {
		return
	}
	resolved := a.gw.PermissionRespond(permID, decision, false, "")
	if cq.Message.Message != nil {
		text := "✅ allowed"
		if decision != "allow" {
			text = "⛔ denied"
		}
		if !resolved {
			text = "already answered"
		}
		_, _ = b.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    cq.Message.Message.Chat.ID,
			MessageID: cq.Message.Message.ID,
			Text:      cq.Message.Message.Text + "\n" + text,
		})
	}
}

func (a *Adapter) reply(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		a.logger.Warn("send message", "chat_id", chatID, "error", err)
	}
}

func permCallback(permID, decision string) string {
	return "perm:" + permID + ":" + decision
}

func parsePermCallback(data string) (permID, decision string, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != "perm" {
		return "", "", false
	}
	if parts[2] != "allow" && parts[2] != "deny" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// permissionKeyboard renders the inline Allow/Deny controls.
func permissionKeyboard(p protocol.PermissionRequestPayload) models.InlineKeyboardMarkup {
	return models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "Allow", CallbackData: permCallback(p.PermID, "allow")},
			{Text: "Deny", CallbackData: permCallback(p.PermID, "deny")},
		}},
	}
}
