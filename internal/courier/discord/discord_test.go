package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/darkroom/internal/courier"
)

// --- Mock Discord session ---

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	sendErr      error
	sentMessages []sentMessage
	handler      interface{}
	removeCount  int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func newMockSession() *mockSession {
	return &mockSession{}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages = append(m.sentMessages, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "msg-123"}, nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentMessages)
}

func (m *mockSession) lastSent() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentMessages[len(m.sentMessages)-1]
}

// --- Helper to create a connected adapter ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()

	a, err := New(AdapterOpts{
		Session:   sess,
		ChannelID: "C_DEFAULT",
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.SetBotUserID("BOT_USER_ID")
	return a, sess
}

// --- New tests ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{})
	if err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %q, want to mention bot token", err.Error())
	}
}

func TestNew_WithMockSession(t *testing.T) {
	a, err := New(AdapterOpts{Session: newMockSession()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == nil {
		t.Fatal("expected non-nil adapter")
	}
}

// --- Connect tests ---

func TestConnect_Success(t *testing.T) {
	_, sess := newTestAdapter(t)
	if !sess.opened {
		t.Error("expected session to be opened")
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("gateway error")

	a, _ := New(AdapterOpts{Session: sess})
	err := a.Connect(context.Background())
	if err == nil {
		t.Fatal("expected open error")
	}
	if !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("error = %q, want open gateway error", err.Error())
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error for closed adapter")
	}
}

func TestConnect_Idempotent(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should not error: %v", err)
	}
}

// --- Listen tests ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_ReceivesMessages(t *testing.T) {
	a, _ := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	a.handleMessage(ctx, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "123456789012345678",
			ChannelID: "C1",
			Content:   "a red fox",
			Author:    &discordgo.User{ID: "U_ALICE", Username: "Alice"},
		},
	})

	select {
	case msg := <-ch:
		if msg.Platform != "discord" {
			t.Errorf("platform = %q, want discord", msg.Platform)
		}
		if msg.ChannelID != "C1" {
			t.Errorf("channel = %q, want C1", msg.ChannelID)
		}
		if msg.UserID != "U_ALICE" {
			t.Errorf("user id = %q, want U_ALICE", msg.UserID)
		}
		if msg.Text != "a red fox" {
			t.Errorf("text = %q", msg.Text)
		}
		if msg.Attachment != nil {
			t.Error("expected no attachment")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
}

func TestListen_FiltersSelfAndBotMessages(t *testing.T) {
	a, _ := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	// Self-message.
	a.handleMessage(ctx, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "100", ChannelID: "C1", Content: "self",
			Author: &discordgo.User{ID: "BOT_USER_ID", Username: "Bot"},
		},
	})
	// Other bot.
	a.handleMessage(ctx, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "101", ChannelID: "C1", Content: "other bot",
			Author: &discordgo.User{ID: "OTHER_BOT", Username: "OtherBot", Bot: true},
		},
	})
	// Nil author.
	a.handleMessage(ctx, &discordgo.MessageCreate{
		Message: &discordgo.Message{ID: "102", ChannelID: "C1", Content: "no author"},
	})
	// Real message.
	a.handleMessage(ctx, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "103", ChannelID: "C1", Content: "real",
			Author: &discordgo.User{ID: "U_BOB", Username: "Bob"},
		},
	})

	select {
	case msg := <-ch:
		if msg.Text != "real" {
			t.Errorf("expected only the real message, got %q", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestHandleMessage_DownloadsImageAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "png bytes")
	}))
	defer srv.Close()

	a, _ := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	a.handleMessage(ctx, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "200", ChannelID: "C1", Content: "transform this",
			Author: &discordgo.User{ID: "U1", Username: "Alice"},
			Attachments: []*discordgo.MessageAttachment{
				{URL: srv.URL + "/not-an-image", ContentType: "text/plain"},
				{URL: srv.URL + "/image.png", ContentType: "image/png"},
			},
		},
	})

	select {
	case msg := <-ch:
		if string(msg.Attachment) != "png bytes" {
			t.Errorf("attachment = %q, want downloaded image", msg.Attachment)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestHandleMessage_AttachmentDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	a, _ := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	// The message still arrives, just without the attachment.
	a.handleMessage(ctx, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "201", ChannelID: "C1", Content: "text survives",
			Author: &discordgo.User{ID: "U1", Username: "Alice"},
			Attachments: []*discordgo.MessageAttachment{
				{URL: srv.URL + "/missing.png", ContentType: "image/png"},
			},
		},
	})

	select {
	case msg := <-ch:
		if msg.Text != "text survives" {
			t.Errorf("text = %q", msg.Text)
		}
		if msg.Attachment != nil {
			t.Error("failed download should leave attachment nil")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

// --- Send tests ---

func TestSend_SimpleText(t *testing.T) {
	a, sess := newTestAdapter(t)

	err := a.Send(context.Background(), courier.OutboundMessage{
		ChannelID: "C1",
		Text:      "hello world",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.sentCount() != 1 {
		t.Fatalf("expected 1 sent message, got %d", sess.sentCount())
	}
	last := sess.lastSent()
	if last.channelID != "C1" {
		t.Errorf("channel = %q, want C1", last.channelID)
	}
	if last.data.Content != "hello world" {
		t.Errorf("content = %q", last.data.Content)
	}
}

func TestSend_DefaultChannel(t *testing.T) {
	a, sess := newTestAdapter(t)

	if err := a.Send(context.Background(), courier.OutboundMessage{Text: "hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last := sess.lastSent(); last.channelID != "C_DEFAULT" {
		t.Errorf("channel = %q, want C_DEFAULT", last.channelID)
	}
}

func TestSend_NoChannel(t *testing.T) {
	sess := newMockSession()
	a, _ := New(AdapterOpts{Session: sess})
	a.Connect(context.Background())

	if err := a.Send(context.Background(), courier.OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected error for no channel")
	}
}

func TestSend_WithFiles(t *testing.T) {
	a, sess := newTestAdapter(t)

	err := a.Send(context.Background(), courier.OutboundMessage{
		ChannelID: "C1",
		Text:      "your images",
		Files: []courier.File{
			{Name: "a.png", Data: []byte("aaa")},
			{Name: "b.png", Data: []byte("bbb")},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := sess.lastSent()
	if len(last.data.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(last.data.Files))
	}
	if last.data.Files[0].Name != "a.png" {
		t.Errorf("file name = %q", last.data.Files[0].Name)
	}
	body, _ := io.ReadAll(last.data.Files[1].Reader)
	if string(body) != "bbb" {
		t.Errorf("file body = %q", body)
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	err := a.Send(context.Background(), courier.OutboundMessage{ChannelID: "C1", Text: "x"})
	if err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestSend_PostError(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErr = fmt.Errorf("channel not found")

	err := a.Send(context.Background(), courier.OutboundMessage{ChannelID: "C1", Text: "x"})
	if err == nil {
		t.Fatal("expected send error")
	}
}

// --- Close tests ---

func TestClose_Success(t *testing.T) {
	a, sess := newTestAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.closeCalled {
		t.Error("expected session Close() to be called")
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.Close()
	if err := a.Close(); err != nil {
		t.Fatalf("second close should not error: %v", err)
	}
}

func TestClose_RemovesHandler(t *testing.T) {
	a, sess := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Listen(ctx)

	a.Close()

	sess.mu.Lock()
	removed := sess.removeCount
	sess.mu.Unlock()
	if removed != 1 {
		t.Errorf("expected handler to be removed, removeCount = %d", removed)
	}
}

// --- retryOnRateLimit tests ---

func TestRetryOnRateLimit_RetriesAndSucceeds(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	a, _ := newTestAdapter(t)
	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.baseBackoff = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.retryOnRateLimit(ctx, func() error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// --- Verify Adapter interface compliance ---

var _ courier.Adapter = (*Adapter)(nil)
var _ courier.BotUserIDer = (*Adapter)(nil)
