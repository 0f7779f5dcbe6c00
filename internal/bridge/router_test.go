package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/larkgate/larkgate/internal/gateway"
)

type fakeMessenger struct {
	mu      sync.Mutex
	sends   []struct{ conversationID, text string }
	updates []struct{ messageID, text string }
	deletes []string
	sendErr error
	nextID  int
}

func (m *fakeMessenger) SendText(ctx context.Context, conversationID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sends = append(m.sends, struct{ conversationID, text string }{conversationID, text})
	m.nextID++
	return fmt.Sprintf("om_%d", m.nextID), nil
}

func (m *fakeMessenger) UpdateText(ctx context.Context, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, struct{ messageID, text string }{messageID, text})
	return nil
}

func (m *fakeMessenger) DeleteMessage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, messageID)
	return nil
}

type fakeExchanger struct {
	reply gateway.ExchangeReply
	err   error
	delay time.Duration
	last  gateway.ExchangeRequest
}

func (e *fakeExchanger) Exchange(ctx context.Context, req gateway.ExchangeRequest) (gateway.ExchangeReply, error) {
	e.last = req
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return e.reply, e.err
}

type fakePipeline struct {
	fetchPath  string
	fetchErr   error
	deliveries []string
	deliverErr error
}

func (p *fakePipeline) FetchInbound(ctx context.Context, messageID, fileKey string) (string, error) {
	return p.fetchPath, p.fetchErr
}

func (p *fakePipeline) DeliverOutbound(ctx context.Context, conversationID, mediaURL string) error {
	p.deliveries = append(p.deliveries, mediaURL)
	return p.deliverErr
}

type fakeDedup struct{ duplicate bool }

func (d *fakeDedup) Seen(eventID string) bool { return d.duplicate }

type fakeSessions struct {
	resets int
}

func (s *fakeSessions) ResolveKey(id string) string { return "feishu:" + id }
func (s *fakeSessions) ApplyReset(id string) string { s.resets++; return "-r1" }
func (s *fakeSessions) CurrentKey(id string) string { return "feishu:" + id }

func allowAll(string, []string) bool { return true }
func denyAll(string, []string) bool  { return false }

func newTestRouter(m *fakeMessenger, ex *fakeExchanger, p *fakePipeline, d *fakeDedup, s *fakeSessions, filter relevanceFilter, delay time.Duration) *Router {
	return NewRouter(nil, d, s, filter, p, m, ex, delay)
}

func textEvent(text string, group bool) InboundEvent {
	return InboundEvent{
		ConversationID: "oc_1",
		EventID:        "ev-1",
		Kind:           KindText,
		RawText:        text,
		IsGroup:        group,
	}
}

func TestProcessDeliversReply(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{Text: "Hello"}}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{}, &fakeSessions{}, allowAll, 0)

	r.Process(context.Background(), textEvent("hi", false))

	if len(m.sends) != 1 || m.sends[0].text != "Hello" {
		t.Fatalf("unexpected sends: %+v", m.sends)
	}
	if ex.last.SessionKey != "feishu:oc_1" {
		t.Fatalf("unexpected session key: %q", ex.last.SessionKey)
	}
	if ex.last.Message != "hi" {
		t.Fatalf("unexpected message: %q", ex.last.Message)
	}
}

func TestProcessDropsDuplicates(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{Text: "Hello"}}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{duplicate: true}, &fakeSessions{}, allowAll, 0)

	r.Process(context.Background(), textEvent("hi", false))

	if len(m.sends) != 0 {
		t.Fatalf("duplicate event must not produce sends: %+v", m.sends)
	}
}

func TestProcessGroupFilterGate(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{Text: "Hello"}}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{}, &fakeSessions{}, denyAll, 0)

	r.Process(context.Background(), textEvent("ok thanks", true))
	if len(m.sends) != 0 {
		t.Fatal("irrelevant group event must be dropped")
	}

	// A direct chat bypasses the filter entirely.
	r.Process(context.Background(), textEvent("ok thanks", false))
	if len(m.sends) != 1 {
		t.Fatal("direct chat must bypass the relevance filter")
	}
}

func TestProcessGroupMediaBypassesFilter(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{Text: "Hello"}}
	// The fetch fails, but the event still carries media: relevance is
	// judged by the event, not by what could be downloaded.
	p := &fakePipeline{fetchErr: errors.New("resource gone")}
	r := newTestRouter(m, ex, p, &fakeDedup{}, &fakeSessions{}, denyAll, 0)

	r.Process(context.Background(), InboundEvent{
		ConversationID: "oc_1",
		EventID:        "ev-img",
		MessageID:      "om_img",
		Kind:           KindImage,
		IsGroup:        true,
		AttachmentRefs: []AttachmentRef{{MessageID: "om_img", FileKey: "img_1"}},
	})

	if ex.last.SessionKey == "" {
		t.Fatal("group media event must reach the gateway despite a failed fetch")
	}
	if len(m.sends) != 1 || m.sends[0].text != "Hello" {
		t.Fatalf("unexpected sends: %+v", m.sends)
	}
}

func TestProcessResetCommand(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	s := &fakeSessions{}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{Text: "never"}}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{}, s, allowAll, 0)

	r.Process(context.Background(), textEvent("/reset", false))

	if s.resets != 1 {
		t.Fatalf("expected one reset, got %d", s.resets)
	}
	if len(m.sends) != 1 || !strings.Contains(m.sends[0].text, "重置") {
		t.Fatalf("expected reset confirmation, got %+v", m.sends)
	}
	if ex.last.Message != "" {
		t.Fatal("commands must never reach the gateway")
	}
}

func TestProcessStatusCommand(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{}, &fakeSessions{}, allowAll, 0)

	r.Process(context.Background(), textEvent("/status", false))

	if len(m.sends) != 1 || !strings.Contains(m.sends[0].text, "feishu:oc_1") {
		t.Fatalf("expected status with current key, got %+v", m.sends)
	}
	if ex.last.Message != "" {
		t.Fatal("commands must never reach the gateway")
	}
}

func TestProcessSentinelReplyDeletesPlaceholder(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{Text: silentReplyToken}, delay: 50 * time.Millisecond}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{}, &fakeSessions{}, allowAll, 5*time.Millisecond)

	r.Process(context.Background(), textEvent("hi", false))

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sends) != 1 || m.sends[0].text != thinkingText {
		t.Fatalf("expected only the placeholder send, got %+v", m.sends)
	}
	if len(m.deletes) != 1 {
		t.Fatalf("placeholder must be deleted on sentinel reply, deletes: %v", m.deletes)
	}
	if len(m.updates) != 0 {
		t.Fatalf("sentinel reply must not edit, updates: %+v", m.updates)
	}
}

func TestProcessEmptyReplyWithoutPlaceholder(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{Text: ""}}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{}, &fakeSessions{}, allowAll, time.Hour)

	r.Process(context.Background(), textEvent("hi", false))

	if len(m.sends)+len(m.updates)+len(m.deletes) != 0 {
		t.Fatalf("empty reply with no placeholder must do nothing: %+v %+v %v", m.sends, m.updates, m.deletes)
	}
}

func TestProcessEditsPlaceholderWithFinalText(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{Text: "done"}, delay: 50 * time.Millisecond}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{}, &fakeSessions{}, allowAll, 5*time.Millisecond)

	r.Process(context.Background(), textEvent("hi", false))

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updates) != 1 || m.updates[0].text != "done" {
		t.Fatalf("expected placeholder edit with final text, got %+v", m.updates)
	}
	if len(m.sends) != 1 {
		t.Fatalf("expected only the placeholder send, got %+v", m.sends)
	}
}

func TestProcessExchangeErrorReported(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{err: errors.New("gateway down")}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{}, &fakeSessions{}, allowAll, 0)

	r.Process(context.Background(), textEvent("hi", false))

	if len(m.sends) != 1 || !strings.Contains(m.sends[0].text, "gateway down") {
		t.Fatalf("expected system-error reply, got %+v", m.sends)
	}
}

func TestProcessDeliversOutboundMedia(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	p := &fakePipeline{deliverErr: errors.New("upload broken")}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{
		Text:      "see images",
		MediaRefs: []string{"http://a/1.png", "http://a/2.png"},
	}}
	r := newTestRouter(m, ex, p, &fakeDedup{}, &fakeSessions{}, allowAll, 0)

	r.Process(context.Background(), textEvent("hi", false))

	// Best-effort per item: the first failure must not stop the second.
	if len(p.deliveries) != 2 {
		t.Fatalf("expected both media refs attempted, got %v", p.deliveries)
	}
	if len(m.sends) != 1 || m.sends[0].text != "see images" {
		t.Fatalf("text reply must survive media failures: %+v", m.sends)
	}
}

func TestPlaceholderTimerCanceledOnFastReply(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	ex := &fakeExchanger{reply: gateway.ExchangeReply{Text: "fast"}}
	r := newTestRouter(m, ex, &fakePipeline{}, &fakeDedup{}, &fakeSessions{}, allowAll, 30*time.Millisecond)

	r.Process(context.Background(), textEvent("hi", false))
	time.Sleep(60 * time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, send := range m.sends {
		if send.text == thinkingText {
			t.Fatal("placeholder must not fire after a fast completion")
		}
	}
}
