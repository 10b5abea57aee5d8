package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ordernotify/internal/delivery"
	logx "ordernotify/pkg/logx"
)

// BridgeConfig configures the HTTP bridge to a WhatsApp Web session
// (a whatsapp-web.js sidecar holding the linked-device login).
type BridgeConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	// ReadyWait bounds how long Open waits for the linked session.
	ReadyWait time.Duration
}

// Bridge drives a WhatsApp Web session through its sidecar:
//
//	GET  /status  -> {"ready":bool,"state":string}
//	POST /send    {"chatId","text"}
//	POST /image   {"chatId","path","caption"}
type Bridge struct {
	cfg  BridgeConfig
	http *http.Client
	log  logx.Logger
}

func NewBridge(cfg BridgeConfig, hc *http.Client, log logx.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	return &Bridge{cfg: cfg, http: hc, log: log}
}

func (b *Bridge) Name() string { return "bridge" }

// Open waits until the sidecar reports a ready (QR-linked) session.
func (b *Bridge) Open(ctx context.Context) error {
	if b.cfg.URL == "" {
		return errors.New("bridge: url is required")
	}
	wait := b.cfg.ReadyWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	t := time.NewTicker(3 * time.Second)
	defer t.Stop()
	for {
		st, err := b.status(ctx)
		if err == nil && st.Ready {
			b.log.Info("whatsapp web session ready", logx.String("state", st.State))
			return nil
		}
		if err == nil {
			b.log.Info("waiting for whatsapp web login", logx.String("state", st.State))
		}
		select {
		case <-ctx.Done():
			if err == nil {
				err = fmt.Errorf("session state %q", st.State)
			}
			return fmt.Errorf("bridge: session not ready: %w", err)
		case <-t.C:
		}
	}
}

func (b *Bridge) Close() error {
	b.http.CloseIdleConnections()
	return nil
}

type bridgeStatus struct {
	Ready bool   `json:"ready"`
	State string `json:"state"`
}

func (b *Bridge) status(ctx context.Context) (bridgeStatus, error) {
	var st bridgeStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.URL+"/status", nil)
	if err != nil {
		return st, err
	}
	err = b.do(req, &st)
	return st, err
}

func (b *Bridge) Send(ctx context.Context, recipient, text string) error {
	return b.post(ctx, "/send", map[string]string{"chatId": chatID(recipient), "text": text})
}

func (b *Bridge) SendImage(ctx context.Context, recipient, path, caption string) error {
	return b.post(ctx, "/image", map[string]string{"chatId": chatID(recipient), "path": path, "caption": caption})
}

func (b *Bridge) post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := b.do(req, &out); err != nil {
		return err
	}
	if !out.OK {
		return delivery.Wrap(delivery.KindTransient, fmt.Errorf("bridge: send rejected: %s", out.Error))
	}
	return nil
}

func (b *Bridge) do(req *http.Request, out any) error {
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return delivery.Wrap(delivery.KindTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		return delivery.Wrap(delivery.KindChannelUnavailable, errors.New("bridge: session not ready"))
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return delivery.Wrap(delivery.KindTransient, fmt.Errorf("bridge: http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// chatID renders the WhatsApp Web chat id of a phone number.
func chatID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	return phone + "@c.us"
}
