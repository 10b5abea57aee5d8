package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ordernotify/internal/delivery"
	logx "ordernotify/pkg/logx"
)

type flakyDriver struct {
	name    string
	openErr error
	sendErr error
	sends   atomic.Int32
	closed  atomic.Bool
}

func (f *flakyDriver) Name() string               { return f.name }
func (f *flakyDriver) Open(context.Context) error { return f.openErr }

func (f *flakyDriver) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *flakyDriver) Send(context.Context, string, string) error {
	f.sends.Add(1)
	return f.sendErr
}

func (f *flakyDriver) SendImage(context.Context, string, string, string) error {
	f.sends.Add(1)
	return f.sendErr
}

func TestSessionLeaseIsExclusive(t *testing.T) {
	drv := &flakyDriver{name: "a"}
	s, err := Open(context.Background(), drv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l1, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire while leased: %v", err)
	}

	l1.Release()
	l1.Release()
	if err := l1.Send(context.Background(), "33600000000", "x"); !errors.Is(err, ErrLeased) {
		t.Fatalf("send on released lease: %v", err)
	}

	l2, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if err := l2.Send(context.Background(), "33600000000", "x"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	l2.Release()

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !drv.closed.Load() {
		t.Fatal("driver not closed")
	}
	if _, err := s.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Acquire after close: %v", err)
	}
}

func TestSessionCloseWaitsForLease(t *testing.T) {
	drv := &flakyDriver{name: "a"}
	s, _ := Open(context.Background(), drv)
	l, _ := s.Acquire(context.Background())

	done := make(chan struct{})
	go func() {
		_ = s.Close(context.Background())
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Close returned while a lease was held")
	case <-time.After(30 * time.Millisecond):
	}
	l.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after release")
	}
}

func TestOpenFailureIsReturned(t *testing.T) {
	drv := &flakyDriver{name: "a", openErr: errors.New("not linked")}
	if _, err := Open(context.Background(), drv); err == nil {
		t.Fatal("expected open error")
	}
}

func TestChainFallsBack(t *testing.T) {
	broken := &flakyDriver{name: "broken", sendErr: errors.New("ui not found")}
	dead := &flakyDriver{name: "dead", openErr: errors.New("offline")}
	ok := &flakyDriver{name: "ok"}

	c := NewChain(logx.Nop(), broken, dead, ok)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Send(context.Background(), "r", "t"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if broken.sends.Load() != 1 || ok.sends.Load() != 1 || dead.sends.Load() != 0 {
		t.Fatalf("unexpected attempts: broken=%d dead=%d ok=%d", broken.sends.Load(), dead.sends.Load(), ok.sends.Load())
	}

	all := NewChain(logx.Nop(), broken)
	_ = all.Open(context.Background())
	if err := all.SendImage(context.Background(), "r", "p", "c"); err == nil {
		t.Fatal("expected error when every driver fails")
	}
	if err := NewChain(logx.Nop(), dead).Open(context.Background()); err == nil {
		t.Fatal("expected open error when no driver is usable")
	}
}

func TestCloudAPIPayload(t *testing.T) {
	var got cloudMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad token","code":190}}`))
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v22.0/123":
			_, _ = w.Write([]byte(`{"id":"123","display_phone_number":"+33 1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v22.0/123/messages":
			_ = json.NewDecoder(r.Body).Decode(&got)
			_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewCloudAPI(CloudAPIConfig{BaseURL: srv.URL, PhoneNumberID: "123", Token: "tok"}, srv.Client(), logx.Nop())
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Send(context.Background(), "33612345678", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.MessagingProduct != "whatsapp" || got.RecipientType != "individual" || got.To != "33612345678" ||
		got.Type != "text" || got.Text == nil || got.Text.Body != "hello" {
		t.Fatalf("payload = %+v", got)
	}
	if err := c.SendImage(context.Background(), "33612345678", "https://cdn.test/card.png", "carte"); err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	if got.Type != "image" || got.Image == nil || got.Image.Link != "https://cdn.test/card.png" {
		t.Fatalf("image payload = %+v", got)
	}

	bad := NewCloudAPI(CloudAPIConfig{BaseURL: srv.URL, PhoneNumberID: "123", Token: "nope"}, srv.Client(), logx.Nop())
	err := bad.Send(context.Background(), "1", "x")
	if delivery.KindOf(err) != delivery.KindChannelUnavailable || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("unauthorized send: %v", err)
	}
}

func TestBridgeSend(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_, _ = w.Write([]byte(`{"ready":true,"state":"CONNECTED"}`))
		case "/send":
			_ = json.NewDecoder(r.Body).Decode(&body)
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/image":
			_, _ = w.Write([]byte(`{"ok":false,"error":"chat not found"}`))
		}
	}))
	defer srv.Close()

	b := NewBridge(BridgeConfig{URL: srv.URL}, srv.Client(), logx.Nop())
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Send(context.Background(), "33612345678", "salut"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if body["chatId"] != "33612345678@c.us" || body["text"] != "salut" {
		t.Fatalf("body = %v", body)
	}
	if err := b.SendImage(context.Background(), "33612345678", "/tmp/x.png", ""); err == nil {
		t.Fatal("expected rejected image send")
	}
}

func TestNewDriver(t *testing.T) {
	d, err := NewDriver(Config{Driver: "dryrun"}, logx.Nop())
	if err != nil || d.Name() != "dryrun" {
		t.Fatalf("dryrun: %v %v", d, err)
	}
	d, err = NewDriver(Config{Driver: "cloudapi", Fallback: []string{"bridge", "cloudapi"}}, logx.Nop())
	if err != nil || d.Name() != "chain(cloudapi,bridge)" {
		t.Fatalf("chain: %v %v", d, err)
	}
	if _, err := NewDriver(Config{Driver: "sms"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
