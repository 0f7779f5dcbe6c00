package gateway

import "encoding/json"

// Frame is the single wire envelope of the gateway protocol. The Type
// discriminator selects which fields are meaningful:
//
//	req   {type, id, method, params}
//	res   {type, id, ok, payload|error}
//	event {type, event, payload}
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type FrameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	frameTypeReq   = "req"
	frameTypeRes   = "res"
	frameTypeEvent = "event"

	eventChallenge = "connect.challenge"
	eventChat      = "chat"

	methodConnect  = "connect"
	methodChatSend = "chat.send"

	streamAssistant = "assistant"
	streamLifecycle = "lifecycle"

	phaseEnd   = "end"
	phaseError = "error"
)

// Protocol versions the bridge speaks, sent as bounds during the
// connect handshake.
const (
	minProtocolVersion = 1
	maxProtocolVersion = 3
)

type connectParams struct {
	MinProtocolVersion int         `json:"minProtocolVersion"`
	MaxProtocolVersion int         `json:"maxProtocolVersion"`
	Client             clientInfo  `json:"client"`
	Scopes             []string    `json:"scopes"`
	Auth               connectAuth `json:"auth"`
}

type clientInfo struct {
	ID   string `json:"id"`
	Mode string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type chatSendParams struct {
	AgentID        string              `json:"agentId,omitempty"`
	SessionKey     string              `json:"sessionKey"`
	Message        string              `json:"message"`
	IdempotencyKey string              `json:"idempotencyKey"`
	Deliver        bool                `json:"deliver"`
	Attachments    []AttachmentPayload `json:"attachments,omitempty"`
}

// AttachmentPayload is media embedded inline in the chat submission.
// Content marshals to base64 per encoding/json []byte handling.
type AttachmentPayload struct {
	MimeType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

type chatSendAck struct {
	RunID string `json:"runId"`
}

type chatEventPayload struct {
	RunID  string          `json:"runId"`
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type assistantData struct {
	Text      *string  `json:"text"`
	Delta     *string  `json:"delta"`
	MediaURLs []string `json:"mediaUrls"`
}

type lifecycleData struct {
	Phase string `json:"phase"`
	Error string `json:"error,omitempty"`
}
