package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

type MessageKind int

const (
	KindText MessageKind = iota
	KindImage
	KindRichPost
	KindOther
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindRichPost:
		return "rich_post"
	default:
		return "other"
	}
}

// AttachmentRef points at a media resource on the platform side. Both
// the message id and file key are needed to fetch it.
type AttachmentRef struct {
	MessageID string
	FileKey   string
}

// InboundEvent is one normalized webhook delivery. It is constructed
// once per event, never mutated afterwards and discarded after routing.
type InboundEvent struct {
	ConversationID string
	EventID        string
	MessageID      string
	Kind           MessageKind
	RawText        string
	Mentions       []string
	AttachmentRefs []AttachmentRef
	IsGroup        bool
}

// mentionTokenPattern matches the placeholder tokens the platform embeds
// in text content for each mention, e.g. "@_user_1".
var mentionTokenPattern = regexp.MustCompile(`@_user_\d+\s?`)

// NormalizeEvent converts a message-receive event into an InboundEvent.
// Unparseable content JSON yields empty content; the router then drops
// the event silently.
func NormalizeEvent(event *larkim.P2MessageReceiveV1) InboundEvent {
	var out InboundEvent
	if event == nil || event.Event == nil || event.Event.Message == nil {
		out.Kind = KindOther
		return out
	}
	message := event.Event.Message

	if event.EventV2Base != nil && event.EventV2Base.Header != nil {
		out.EventID = strings.TrimSpace(event.EventV2Base.Header.EventID)
	}
	if message.MessageId != nil {
		out.MessageID = strings.TrimSpace(*message.MessageId)
	}
	if message.ChatId != nil {
		out.ConversationID = strings.TrimSpace(*message.ChatId)
	}
	if message.ChatType != nil {
		out.IsGroup = strings.TrimSpace(*message.ChatType) != "p2p"
	}
	for _, m := range message.Mentions {
		if m == nil || m.Id == nil || m.Id.OpenId == nil {
			continue
		}
		if openID := strings.TrimSpace(*m.Id.OpenId); openID != "" {
			out.Mentions = append(out.Mentions, openID)
		}
	}

	var contentMap map[string]any
	if message.Content != nil {
		if err := json.Unmarshal([]byte(*message.Content), &contentMap); err != nil {
			slog.Warn("feishu inbound: unmarshal content failed", slog.Any("error", err))
		}
	}

	msgType := ""
	if message.MessageType != nil {
		msgType = *message.MessageType
	}
	switch msgType {
	case larkim.MsgTypeText:
		out.Kind = KindText
		if txt, ok := contentMap["text"].(string); ok {
			out.RawText = stripMentionTokens(txt)
		}
	case larkim.MsgTypeImage:
		out.Kind = KindImage
		if key, ok := contentMap["image_key"].(string); ok && strings.TrimSpace(key) != "" {
			out.AttachmentRefs = append(out.AttachmentRefs, AttachmentRef{
				MessageID: out.MessageID,
				FileKey:   strings.TrimSpace(key),
			})
		}
	case larkim.MsgTypePost:
		out.Kind = KindRichPost
		out.RawText = stripMentionTokens(extractPostText(contentMap))
		if ref, ok := extractFirstPostImage(contentMap, out.MessageID); ok {
			out.AttachmentRefs = append(out.AttachmentRefs, ref)
		}
	default:
		out.Kind = KindOther
	}

	out.RawText = strings.TrimSpace(out.RawText)
	return out
}

func stripMentionTokens(text string) string {
	return mentionTokenPattern.ReplaceAllString(text, "")
}

// postContentLines returns content lines from a post message. The event
// payload uses root-level content: {"title":"","content":[[...],[...]]}.
func postContentLines(contentMap map[string]any) []any {
	if lines, ok := contentMap["content"].([]any); ok {
		return lines
	}
	return nil
}

// extractPostText walks post content lines concatenating text runs.
func extractPostText(contentMap map[string]any) string {
	linesRaw := postContentLines(contentMap)
	if linesRaw == nil {
		return ""
	}
	parts := make([]string, 0, 8)
	for _, rawLine := range linesRaw {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			tag := strings.ToLower(strings.TrimSpace(stringValue(part["tag"])))
			switch tag {
			case "img", "media":
				continue
			case "at":
				// Mention runs carry no content text for the agent.
				continue
			default:
				text := strings.TrimSpace(stringValue(part["text"]))
				if text != "" {
					parts = append(parts, text)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

// extractFirstPostImage keeps exactly the first embedded image of a post
// body; later images are ignored.
func extractFirstPostImage(contentMap map[string]any, messageID string) (AttachmentRef, bool) {
	for _, rawLine := range postContentLines(contentMap) {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			tag := strings.ToLower(strings.TrimSpace(stringValue(part["tag"])))
			if tag != "img" {
				continue
			}
			if key, ok := part["image_key"].(string); ok && strings.TrimSpace(key) != "" {
				return AttachmentRef{MessageID: messageID, FileKey: strings.TrimSpace(key)}, true
			}
		}
	}
	return AttachmentRef{}, false
}

func stringValue(raw any) string {
	if raw == nil {
		return ""
	}
	if value, ok := raw.(string); ok {
		return value
	}
	return fmt.Sprint(raw)
}
