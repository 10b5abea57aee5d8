package channel

import (
	"context"
	"sync"

	logx "ordernotify/pkg/logx"
)

// Sent is one message recorded by DryRun.
type Sent struct {
	Recipient string
	Text      string
	Image     string
}

// DryRun logs messages instead of delivering them and keeps a copy.
type DryRun struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Sent
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log}
}

func (d *DryRun) Name() string { return "dryrun" }
func (d *DryRun) Open(context.Context) error { return nil }
func (d *DryRun) Close() error { return nil }

func (d *DryRun) Send(_ context.Context, recipient, text string) error {
	d.mu.Lock()
	d.sent = append(d.sent, Sent{Recipient: recipient, Text: text})
	d.mu.Unlock()
	d.log.Info("dry-run send", logx.String("to", recipient), logx.Int("len", len(text)))
	return nil
}

func (d *DryRun) SendImage(_ context.Context, recipient, path, caption string) error {
	d.mu.Lock()
	d.sent = append(d.sent, Sent{Recipient: recipient, Text: caption, Image: path})
	d.mu.Unlock()
	d.log.Info("dry-run image", logx.String("to", recipient), logx.String("path", path))
	return nil
}

// Messages returns a copy of everything recorded so far.
func (d *DryRun) Messages() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}
