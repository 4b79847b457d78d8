package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-telegram/bot"

	"github.com/agentblob/agentblob/internal/protocol"
)

const draftCap = 4000 // Telegram message limit is 4096

// Renderer turns a run's event stream into Telegram messages. Token deltas
// accumulate into a draft that is edited on a rate-limited cadence so the
// upstream API limits are respected.
type Renderer struct {
	bot      *bot.Bot
	chatID   int64
	editRate time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	draftText string
	draftMsg  int // message id being edited; 0 before first flush
	dirty     bool
	lastEdit  time.Time
	runID     string
	flush     chan struct{}
}

func NewRenderer(b *bot.Bot, chatID int64, editRate time.Duration, logger *slog.Logger) *Renderer {
	if editRate <= 0 {
		editRate = 1200 * time.Millisecond
	}
	return &Renderer{
		bot:      b,
		chatID:   chatID,
		editRate: editRate,
		logger:   logger,
		flush:    make(chan struct{}, 1),
	}
}

// SendEvent implements gateway.EventSink.
func (r *Renderer) SendEvent(ev protocol.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	switch ev.Event {
	case protocol.EventToken:
		var p protocol.TokenPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.appendToken(p.RunID, p.Content)
	case protocol.EventPermissionRequest:
		var p protocol.PermissionRequestPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.sendPermissionPrompt(p)
	case protocol.EventRunFinal:
		var p protocol.RunFinalPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.finishRun(p)
	case protocol.EventQueued:
		var p protocol.QueuedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.send(fmt.Sprintf("queued at position %d", p.Position))
	}
	return nil
}

func (r *Renderer) appendToken(runID, content string) {
	r.mu.Lock()
	if r.runID != runID {
		// New run: the previous draft is final as-is.
		r.draftText = ""
		r.draftMsg = 0
		r.runID = runID
	}
	if len(r.draftText) < draftCap {
		r.draftText += content
		if len(r.draftText) > draftCap {
			r.draftText = r.draftText[:draftCap] + "…"
		}
	}
	r.dirty = true
	r.mu.Unlock()
	r.wake()
}

func (r *Renderer) finishRun(p protocol.RunFinalPayload) {
	r.mu.Lock()
	r.dirty = r.draftText != ""
	r.mu.Unlock()
	r.flushNow(context.Background())
	switch p.State {
	case protocol.RunFailed:
		msg := "run failed"
		if p.Error != "" {
			msg += ": " + p.Error
		}
		r.send(msg)
	case protocol.RunStopped:
		r.send("stopped")
	}
	r.mu.Lock()
	r.draftText = ""
	r.draftMsg = 0
	r.runID = ""
	r.mu.Unlock()
}

func (r *Renderer) sendPermissionPrompt(p protocol.PermissionRequestPayload) {
	text := fmt.Sprintf("Permission needed: %s\n%s", p.Capability, p.Preview)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := r.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      r.chatID,
		Text:        text,
		ReplyMarkup: permissionKeyboard(p),
	})
	if err != nil {
		r.logger.Warn("send permission prompt", "error", err)
	}
}

func (r *Renderer) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: r.chatID, Text: text}); err != nil {
		r.logger.Warn("send message", "error", err)
	}
}

func (r *Renderer) wake() {
	select {
	case r.flush <- struct{}{}:
	default:
	}
}

// loop owns the edit cadence: at most one send/edit per editRate window.
func (r *Renderer) loop(ctx context.Context) {
	ticker := time.NewTicker(r.editRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.flush:
		case <-ticker.C:
		}
		r.flushNow(ctx)
	}
}

func (r *Renderer) flushNow(ctx context.Context) {
	r.mu.Lock()
	if !r.dirty || r.draftText == "" {
		r.mu.Unlock()
		return
	}
	if since := time.Since(r.lastEdit); since < r.editRate && r.draftMsg != 0 {
		r.mu.Unlock()
		return
	}
	text := r.draftText
	msgID := r.draftMsg
	r.dirty = false
	r.lastEdit = time.Now()
	r.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if msgID == 0 {
		msg, err := r.bot.SendMessage(sendCtx, &bot.SendMessageParams{ChatID: r.chatID, Text: text})
		if err != nil {
			r.logger.Warn("send draft", "error", err)
			return
		}
		r.mu.Lock()
		r.draftMsg = msg.ID
		r.mu.Unlock()
		return
	}
	_, err := r.bot.EditMessageText(sendCtx, &bot.EditMessageTextParams{
		ChatID:    r.chatID,
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		r.logger.Debug("edit draft", "error", err)
	}
}
