package gateway

import (
	"encoding/json"
	"strings"
)

// ExchangeRequest is one chat submission. The idempotency key is fresh
// per attempt; a retry is a new logical attempt and never reuses it.
type ExchangeRequest struct {
	SessionKey     string
	Message        string
	IdempotencyKey string
	Attachments    []AttachmentPayload
}

// ExchangeReply is the assembled result of one exchange. It is only
// complete once the machine reaches a terminal state.
type ExchangeReply struct {
	Text      string
	MediaRefs []string
}

type State int

const (
	StateAwaitingChallenge State = iota
	StateAwaitingAuthResult
	StateAwaitingSubmitResult
	StateStreaming
	StateTerminalSuccess
	StateTerminalFailure
)

func (s State) String() string {
	switch s {
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAwaitingAuthResult:
		return "awaiting_auth_result"
	case StateAwaitingSubmitResult:
		return "awaiting_submit_result"
	case StateStreaming:
		return "streaming"
	case StateTerminalSuccess:
		return "terminal_success"
	case StateTerminalFailure:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

type EffectKind int

const (
	// EffectSend asks the driver to write Effect.Frame to the transport.
	EffectSend EffectKind = iota
	// EffectClose asks the driver to close the transport. Emitted at
	// most once per machine, on every path into a terminal state.
	EffectClose
	// EffectFinish carries the completed reply.
	EffectFinish
	// EffectFail carries the failure message.
	EffectFail
)

type Effect struct {
	Kind  EffectKind
	Frame *Frame
	Reply ExchangeReply
	Err   string
}

type MachineConfig struct {
	ClientID string
	AgentID  string
	Token    string
	Scopes   []string
	AuthID   string
	SubmitID string
	Request  ExchangeRequest
}

// Machine is the exchange state machine. Step and FailTransport are the
// only inputs; both are free of I/O so the protocol is testable frame by
// frame without a socket. One machine serves exactly one exchange and
// never shares a transport with another.
type Machine struct {
	cfg    MachineConfig
	state  State
	closed bool
	runID  string
	buffer strings.Builder
	media  []string
}

func NewMachine(cfg MachineConfig) *Machine {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"chat"}
	}
	return &Machine{cfg: cfg, state: StateAwaitingChallenge}
}

func (m *Machine) State() State { return m.state }

// Step feeds one inbound frame to the machine and returns the effects
// the driver must apply, in order.
func (m *Machine) Step(frame *Frame) []Effect {
	if frame == nil || m.terminal() {
		return nil
	}

	switch m.state {
	case StateAwaitingChallenge:
		// The challenge is the only frame that matters here; anything
		// else arriving before it is ignored.
		if frame.Type != frameTypeEvent || frame.Event != eventChallenge {
			return nil
		}
		m.state = StateAwaitingAuthResult
		return []Effect{{Kind: EffectSend, Frame: m.connectFrame()}}

	case StateAwaitingAuthResult:
		if frame.Type != frameTypeRes || frame.ID != m.cfg.AuthID {
			return nil
		}
		if !frame.OK {
			return m.fail("gateway auth failed: " + frameErrorMessage(frame))
		}
		m.state = StateAwaitingSubmitResult
		return []Effect{{Kind: EffectSend, Frame: m.submitFrame()}}

	case StateAwaitingSubmitResult:
		if frame.Type != frameTypeRes || frame.ID != m.cfg.SubmitID {
			return nil
		}
		if !frame.OK {
			return m.fail("gateway submit failed: " + frameErrorMessage(frame))
		}
		var ack chatSendAck
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &ack); err != nil {
				return m.fail("gateway submit ack malformed: " + err.Error())
			}
		}
		// The ack alone does not end the exchange; the reply arrives on
		// the event stream keyed by this run id.
		m.runID = ack.RunID
		m.state = StateStreaming
		return nil

	case StateStreaming:
		if frame.Type != frameTypeEvent || frame.Event != eventChat {
			return nil
		}
		return m.stepStream(frame)
	}
	return nil
}

// FailTransport reports a transport-level error. Valid in any state; a
// machine already terminal absorbs it silently.
func (m *Machine) FailTransport(err error) []Effect {
	if m.terminal() {
		return nil
	}
	return m.fail("gateway transport error: " + err.Error())
}

func (m *Machine) stepStream(frame *Frame) []Effect {
	var payload chatEventPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return nil
	}
	// Discard events for runs this machine does not own.
	if m.runID != "" && payload.RunID != "" && payload.RunID != m.runID {
		return nil
	}

	switch payload.Stream {
	case streamAssistant:
		var data assistantData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return nil
		}
		if data.Text != nil {
			m.buffer.Reset()
			m.buffer.WriteString(*data.Text)
		} else if data.Delta != nil {
			m.buffer.WriteString(*data.Delta)
		}
		if data.MediaURLs != nil {
			m.media = append([]string(nil), data.MediaURLs...)
		}
		return nil

	case streamLifecycle:
		var data lifecycleData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return nil
		}
		switch data.Phase {
		case phaseEnd:
			m.state = StateTerminalSuccess
			reply := ExchangeReply{
				Text:      strings.TrimSpace(m.buffer.String()),
				MediaRefs: m.media,
			}
			return append(m.closeEffect(), Effect{Kind: EffectFinish, Reply: reply})
		case phaseError:
			msg := data.Error
			if msg == "" {
				msg = "agent run failed"
			}
			return m.fail(msg)
		}
		return nil
	}
	return nil
}

func (m *Machine) fail(msg string) []Effect {
	m.state = StateTerminalFailure
	return append(m.closeEffect(), Effect{Kind: EffectFail, Err: msg})
}

// closeEffect guarantees the transport is closed exactly once across all
// terminal paths.
func (m *Machine) closeEffect() []Effect {
	if m.closed {
		return nil
	}
	m.closed = true
	return []Effect{{Kind: EffectClose}}
}

func (m *Machine) terminal() bool {
	return m.state == StateTerminalSuccess || m.state == StateTerminalFailure
}

func (m *Machine) connectFrame() *Frame {
	params := connectParams{
		MinProtocolVersion: minProtocolVersion,
		MaxProtocolVersion: maxProtocolVersion,
		Client:             clientInfo{ID: m.cfg.ClientID, Mode: "bridge"},
		Scopes:             m.cfg.Scopes,
		Auth:               connectAuth{Token: m.cfg.Token},
	}
	return &Frame{
		Type:   frameTypeReq,
		ID:     m.cfg.AuthID,
		Method: methodConnect,
		Params: mustMarshal(params),
	}
}

func (m *Machine) submitFrame() *Frame {
	params := chatSendParams{
		AgentID:        m.cfg.AgentID,
		SessionKey:     m.cfg.Request.SessionKey,
		Message:        m.cfg.Request.Message,
		IdempotencyKey: m.cfg.Request.IdempotencyKey,
		Deliver:        false,
		Attachments:    m.cfg.Request.Attachments,
	}
	return &Frame{
		Type:   frameTypeReq,
		ID:     m.cfg.SubmitID,
		Method: methodChatSend,
		Params: mustMarshal(params),
	}
}

func frameErrorMessage(frame *Frame) string {
	if frame.Error != nil && frame.Error.Message != "" {
		return frame.Error.Message
	}
	return "unknown error"
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only reachable with an unmarshalable params type, which would
		// be a programming error.
		panic(err)
	}
	return raw
}
