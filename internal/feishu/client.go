// Package feishu wraps the Lark open-platform SDK with the handful of
// chat operations the bridge needs and hosts the webhook ingress.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/google/uuid"
)

const (
	regionFeishu = "feishu"
	regionLark   = "lark"

	larkOpenBaseURL = "https://open.larksuite.com"
)

// Client is a thin wrapper over the Lark IM API. All operations address
// a conversation by chat id.
type Client struct {
	logger *slog.Logger
	api    *lark.Client
}

func NewClient(logger *slog.Logger, appID, appSecret, region string) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []lark.ClientOptionFunc{}
	if strings.EqualFold(strings.TrimSpace(region), regionLark) {
		opts = append(opts, lark.WithOpenBaseUrl(larkOpenBaseURL))
	}
	return &Client{
		logger: logger.With(slog.String("component", "feishu")),
		api:    lark.NewClient(appID, appSecret, opts...),
	}
}

// SendText sends a plain text message and returns the created message id
// so the caller can edit or recall it later.
func (c *Client) SendText(ctx context.Context, conversationID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("message is required")
	}
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("marshal text content: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(conversationID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Uuid(uuid.NewString()).
			Build()).
		Build()

	resp, err := c.api.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishu send failed: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", fmt.Errorf("feishu send failed: %s (code: %d)", msg, code)
	}
	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	return messageID, nil
}

// UpdateText edits a previously sent text message in place.
func (c *Client) UpdateText(ctx context.Context, messageID, text string) error {
	content, err := json.Marshal(map[string]string{"text": strings.TrimSpace(text)})
	if err != nil {
		return fmt.Errorf("marshal text content: %w", err)
	}

	req := larkim.NewUpdateMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewUpdateMessageReqBodyBuilder().
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build()

	resp, err := c.api.Im.V1.Message.Update(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu update failed: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return fmt.Errorf("feishu update failed: %s (code: %d)", msg, code)
	}
	return nil
}

// DeleteMessage recalls a previously sent message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	req := larkim.NewDeleteMessageReqBuilder().
		MessageId(messageID).
		Build()

	resp, err := c.api.Im.V1.Message.Delete(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu delete failed: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return fmt.Errorf("feishu delete failed: %s (code: %d)", msg, code)
	}
	return nil
}

// SendImage sends an already-uploaded image by its platform key.
func (c *Client) SendImage(ctx context.Context, conversationID, imageKey string) error {
	content, err := json.Marshal(map[string]string{"image_key": imageKey})
	if err != nil {
		return fmt.Errorf("marshal image content: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(conversationID).
			MsgType(larkim.MsgTypeImage).
			Content(string(content)).
			Uuid(uuid.NewString()).
			Build()).
		Build()

	resp, err := c.api.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu send image failed: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return fmt.Errorf("feishu send image failed: %s (code: %d)", msg, code)
	}
	return nil
}

// UploadImage exchanges raw image bytes for a platform image key.
func (c *Client) UploadImage(ctx context.Context, r io.Reader) (string, error) {
	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(r).
			Build()).
		Build()

	resp, err := c.api.Im.V1.Image.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishu image upload failed: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", fmt.Errorf("feishu image upload failed: %s (code: %d)", msg, code)
	}
	if resp.Data == nil || resp.Data.ImageKey == nil {
		return "", fmt.Errorf("feishu image upload failed: empty image key")
	}
	return *resp.Data.ImageKey, nil
}

// FetchMessageResource downloads a media resource attached to a message.
// User-sent resources require both message_id and file_key.
func (c *Client) FetchMessageResource(ctx context.Context, messageID, fileKey string) ([]byte, error) {
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type("image").
		Build()

	resp, err := c.api.Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("download feishu resource: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return nil, fmt.Errorf("download feishu resource: %s (code: %d)", msg, code)
	}
	if resp.File == nil {
		return nil, fmt.Errorf("download feishu resource: empty payload")
	}
	data, err := io.ReadAll(resp.File)
	if err != nil {
		return nil, fmt.Errorf("read feishu resource: %w", err)
	}
	return data, nil
}
