// Package bridge routes normalized webhook events through dedup,
// relevance filtering and session resolution into a gateway exchange,
// then delivers the assembled reply back to the conversation.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/larkgate/larkgate/internal/gateway"
)

// silentReplyToken is the sentinel the agent uses to signal that no
// reply should be delivered.
const silentReplyToken = "NO_REPLY"

const (
	imagePlaceholderText = "[图片]"
	thinkingText         = "思考中…"

	resetCommand  = "/reset"
	statusCommand = "/status"
)

type messenger interface {
	SendText(ctx context.Context, conversationID, text string) (string, error)
	UpdateText(ctx context.Context, messageID, text string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

type exchanger interface {
	Exchange(ctx context.Context, req gateway.ExchangeRequest) (gateway.ExchangeReply, error)
}

type attachmentPipeline interface {
	FetchInbound(ctx context.Context, messageID, fileKey string) (string, error)
	DeliverOutbound(ctx context.Context, conversationID, mediaURL string) error
}

type deduplicator interface {
	Seen(eventID string) bool
}

type sessionResolver interface {
	ResolveKey(conversationID string) string
	ApplyReset(conversationID string) string
	CurrentKey(conversationID string) string
}

type relevanceFilter func(text string, mentions []string) bool

// Router orchestrates one inbound event end to end. Each event runs on
// its own goroutine with its own exchange and placeholder timer; a
// failure inside one event never reaches another.
type Router struct {
	logger           *slog.Logger
	dedup            deduplicator
	sessions         sessionResolver
	shouldRespond    relevanceFilter
	attachments      attachmentPipeline
	messenger        messenger
	exchanger        exchanger
	placeholderDelay time.Duration
}

func NewRouter(
	logger *slog.Logger,
	dedup deduplicator,
	sessions sessionResolver,
	shouldRespond relevanceFilter,
	attachments attachmentPipeline,
	messenger messenger,
	exchanger exchanger,
	placeholderDelay time.Duration,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:           logger.With(slog.String("component", "bridge")),
		dedup:            dedup,
		sessions:         sessions,
		shouldRespond:    shouldRespond,
		attachments:      attachments,
		messenger:        messenger,
		exchanger:        exchanger,
		placeholderDelay: placeholderDelay,
	}
}

// HandleMessageEvent implements the webhook event sink.
func (r *Router) HandleMessageEvent(ctx context.Context, event *larkim.P2MessageReceiveV1) {
	r.Process(ctx, NormalizeEvent(event))
}

// Process runs the full pipeline for one normalized event. It reports
// failures to the conversation instead of returning them; the webhook
// response must never depend on processing.
func (r *Router) Process(ctx context.Context, ev InboundEvent) {
	log := r.logger.With(
		slog.String("conversation_id", ev.ConversationID),
		slog.String("event_id", ev.EventID),
		slog.String("kind", ev.Kind.String()),
	)

	if ev.ConversationID == "" || ev.Kind == KindOther {
		log.Debug("event dropped: no routable content")
		return
	}
	if r.dedup.Seen(ev.EventID) {
		log.Debug("event dropped: duplicate delivery")
		return
	}

	text, payloads := r.extractContent(ctx, ev, log)
	if text == "" && len(payloads) == 0 {
		log.Debug("event dropped: empty content")
		return
	}

	if ev.IsGroup && len(ev.AttachmentRefs) == 0 && !r.shouldRespond(text, ev.Mentions) {
		log.Debug("group event dropped: not relevant")
		return
	}

	if r.handleCommand(ctx, ev, text, log) {
		return
	}

	sessionKey := r.sessions.ResolveKey(ev.ConversationID)
	r.runExchange(ctx, ev, sessionKey, text, payloads, log)
}

// extractContent resolves {text, media} per message kind. An image turns
// into a placeholder text plus an inline payload for the submission;
// rich posts contribute at most their first embedded image.
func (r *Router) extractContent(ctx context.Context, ev InboundEvent, log *slog.Logger) (string, []gateway.AttachmentPayload) {
	text := ev.RawText
	var payloads []gateway.AttachmentPayload

	for _, ref := range ev.AttachmentRefs {
		localPath, err := r.attachments.FetchInbound(ctx, ref.MessageID, ref.FileKey)
		if err != nil {
			log.Warn("inbound media fetch failed",
				slog.String("file_key", ref.FileKey),
				slog.Any("error", err),
			)
			continue
		}
		data, err := os.ReadFile(localPath)
		if err != nil {
			log.Warn("read fetched media failed", slog.String("path", localPath), slog.Any("error", err))
			continue
		}
		payloads = append(payloads, gateway.AttachmentPayload{
			MimeType: http.DetectContentType(data),
			Content:  data,
		})
	}

	if ev.Kind == KindImage {
		text = imagePlaceholderText
	}
	return text, payloads
}

// handleCommand short-circuits the reset and status control commands;
// neither ever reaches the gateway.
func (r *Router) handleCommand(ctx context.Context, ev InboundEvent, text string, log *slog.Logger) bool {
	switch strings.TrimSpace(text) {
	case resetCommand:
		r.sessions.ApplyReset(ev.ConversationID)
		if _, err := r.messenger.SendText(ctx, ev.ConversationID, "会话已重置，下一条消息将开启新对话。"); err != nil {
			log.Error("reset confirmation failed", slog.Any("error", err))
		}
		return true
	case statusCommand:
		key := r.sessions.CurrentKey(ev.ConversationID)
		if _, err := r.messenger.SendText(ctx, ev.ConversationID, "当前会话: "+key); err != nil {
			log.Error("status report failed", slog.Any("error", err))
		}
		return true
	}
	return false
}

func (r *Router) runExchange(ctx context.Context, ev InboundEvent, sessionKey, text string, payloads []gateway.AttachmentPayload, log *slog.Logger) {
	placeholder := newPlaceholder(r.messenger, ev.ConversationID, thinkingText)
	placeholder.armTimer(r.placeholderDelay)

	reply, exchangeErr := r.exchanger.Exchange(ctx, gateway.ExchangeRequest{
		SessionKey:  sessionKey,
		Message:     text,
		Attachments: payloads,
	})
	placeholderID := placeholder.complete()

	if exchangeErr != nil {
		log.Error("gateway exchange failed", slog.Any("error", exchangeErr))
		r.deliverText(ctx, ev.ConversationID, placeholderID, fmt.Sprintf("⚠️ 请求失败: %v", exchangeErr), log)
		return
	}

	if reply.Text == "" || reply.Text == silentReplyToken {
		if placeholderID != "" {
			if err := r.messenger.DeleteMessage(ctx, placeholderID); err != nil {
				log.Warn("placeholder delete failed", slog.Any("error", err))
			}
		}
		log.Debug("reply suppressed: empty or sentinel")
		return
	}

	r.deliverText(ctx, ev.ConversationID, placeholderID, reply.Text, log)

	for _, ref := range reply.MediaRefs {
		if err := r.attachments.DeliverOutbound(ctx, ev.ConversationID, ref); err != nil {
			log.Warn("outbound media delivery failed",
				slog.String("media_ref", ref),
				slog.Any("error", err),
			)
		}
	}
}

// deliverText pushes the final text into the placeholder when one was
// sent, falling back to a fresh message.
func (r *Router) deliverText(ctx context.Context, conversationID, placeholderID, text string, log *slog.Logger) {
	if placeholderID != "" {
		err := r.messenger.UpdateText(ctx, placeholderID, text)
		if err == nil {
			return
		}
		log.Warn("placeholder edit failed, sending fresh", slog.Any("error", err))
	}
	if _, err := r.messenger.SendText(ctx, conversationID, text); err != nil {
		log.Error("reply delivery failed", slog.Any("error", err))
	}
}

// placeholder owns the delayed "thinking" message for one exchange. The
// timer callback checks the done flag so a stale placeholder can never
// appear after the exchange already finished.
type placeholder struct {
	mu             sync.Mutex
	messenger      messenger
	conversationID string
	text           string
	timer          *time.Timer
	done           bool
	messageID      string
}

func newPlaceholder(m messenger, conversationID, text string) *placeholder {
	return &placeholder{
		messenger:      m,
		conversationID: conversationID,
		text:           text,
	}
}

func (p *placeholder) armTimer(delay time.Duration) {
	if delay <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = time.AfterFunc(delay, p.fire)
}

func (p *placeholder) fire() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// The send happens outside the lock; the exchange may complete
	// meanwhile, so re-check before recording the id.
	id, err := p.messenger.SendText(context.Background(), p.conversationID, p.text)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		// Exchange finished while the send was in flight; the completion
		// path missed this id, so remove the message here.
		go func() {
			_ = p.messenger.DeleteMessage(context.Background(), id)
		}()
		return
	}
	p.messageID = id
}

// complete marks the exchange finished, cancels a still-pending timer
// and returns the placeholder message id, if one was sent.
func (p *placeholder) complete() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.messageID
}
