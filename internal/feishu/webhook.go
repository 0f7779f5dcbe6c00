package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// EventSink consumes decoded message-receive events. Dispatch happens on
// a fresh goroutine so a slow consumer never delays the webhook response.
type EventSink interface {
	HandleMessageEvent(ctx context.Context, event *larkim.P2MessageReceiveV1)
}

// WebhookHandler receives Feishu/Lark event-subscription callbacks. The
// SDK dispatcher owns payload decryption (AES-256-CBC, key derived via
// SHA-256 of the encrypt key, IV in the first 16 bytes) and answers the
// url_verification challenge.
type WebhookHandler struct {
	logger            *slog.Logger
	verificationToken string
	encryptKey        string
	dispatcher        *dispatcher.EventDispatcher
}

func NewWebhookHandler(log *slog.Logger, verificationToken, encryptKey string, sink EventSink) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &WebhookHandler{
		logger:            log.With(slog.String("handler", "feishu_webhook")),
		verificationToken: strings.TrimSpace(verificationToken),
		encryptKey:        strings.TrimSpace(encryptKey),
	}
	eventDispatcher := dispatcher.NewEventDispatcher(h.verificationToken, h.encryptKey)
	eventDispatcher.OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
		go sink.HandleMessageEvent(context.WithoutCancel(ctx), event)
		return nil
	})
	h.dispatcher = eventDispatcher
	return h
}

// Register registers webhook callback routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhook/event", h.HandleProbe)
	e.POST("/webhook/event", h.Handle)
}

// HandleProbe responds to health/probe requests on the webhook URL.
func (h *WebhookHandler) HandleProbe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Handle processes one event-subscription callback.
func (h *WebhookHandler) Handle(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	if err := h.validateCallbackAuth(payload); err != nil {
		return err
	}

	resp := h.dispatcher.Handle(c.Request().Context(), &larkevent.EventReq{
		Header:     c.Request().Header,
		Body:       payload,
		RequestURI: c.Request().RequestURI,
	})
	if resp == nil {
		return c.NoContent(http.StatusOK)
	}
	for key, values := range resp.Header {
		for _, value := range values {
			c.Response().Header().Add(key, value)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err = c.Response().Write(resp.Body)
	return err
}

// validateCallbackAuth rejects unencrypted callbacks with a missing or
// mismatched verification token. Encrypted payloads are authenticated by
// the SDK's signature check instead.
func (h *WebhookHandler) validateCallbackAuth(payload []byte) error {
	if h.encryptKey != "" {
		return nil
	}
	var fuzzy larkevent.EventFuzzy
	if err := json.Unmarshal(payload, &fuzzy); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid feishu webhook payload: %v", err))
	}
	if larkevent.ReqType(strings.TrimSpace(fuzzy.Type)) == larkevent.ReqTypeChallenge {
		return nil
	}
	if h.verificationToken == "" {
		return echo.NewHTTPError(http.StatusForbidden, "feishu webhook requires verification_token when encrypt_key is empty")
	}
	requestToken := strings.TrimSpace(fuzzy.Token)
	if fuzzy.Header != nil && strings.TrimSpace(fuzzy.Header.Token) != "" {
		requestToken = strings.TrimSpace(fuzzy.Header.Token)
	}
	if requestToken == "" || requestToken != h.verificationToken {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid feishu webhook token")
	}
	return nil
}
