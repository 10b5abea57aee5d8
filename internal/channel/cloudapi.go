package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ordernotify/internal/delivery"
	logx "ordernotify/pkg/logx"
)

// CloudAPIConfig configures the WhatsApp Business Cloud API driver.
type CloudAPIConfig struct {
	BaseURL       string // default https://graph.facebook.com
	Version       string // default v22.0
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
}

// CloudAPI sends through graph.facebook.com/<version>/<phone-number-id>.
type CloudAPI struct {
	cfg  CloudAPIConfig
	http *http.Client
	log  logx.Logger
}

func NewCloudAPI(cfg CloudAPIConfig, hc *http.Client, log logx.Logger) *CloudAPI {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "v22.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &CloudAPI{cfg: cfg, http: hc, log: log}
}

func (c *CloudAPI) Name() string { return "cloudapi" }

// Open checks that the token can read the sending phone number.
func (c *CloudAPI) Open(ctx context.Context) error {
	if c.cfg.PhoneNumberID == "" || c.cfg.Token == "" {
		return errors.New("cloudapi: phone_number_id and token are required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("")+"?fields=id,display_phone_number", nil)
	if err != nil {
		return err
	}
	var out struct {
		ID      string `json:"id"`
		Display string `json:"display_phone_number"`
	}
	if err := c.do(req, &out); err != nil {
		return fmt.Errorf("cloudapi: verify phone number: %w", err)
	}
	c.log.Info("cloud api session ready", logx.String("phone_number_id", out.ID), logx.String("display", out.Display))
	return nil
}

func (c *CloudAPI) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

type cloudText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type cloudImage struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type cloudMessage struct {
	MessagingProduct string      `json:"messaging_product"`
	RecipientType    string      `json:"recipient_type"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Text             *cloudText  `json:"text,omitempty"`
	Image            *cloudImage `json:"image,omitempty"`
}

func (c *CloudAPI) Send(ctx context.Context, recipient, text string) error {
	return c.post(ctx, cloudMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "text",
		Text:             &cloudText{PreviewURL: true, Body: text},
	})
}

// SendImage sends path as an image. http(s) paths are passed by link; local
// files are uploaded to the media endpoint first.
func (c *CloudAPI) SendImage(ctx context.Context, recipient, path, caption string) error {
	img := &cloudImage{Caption: caption}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		img.Link = path
	} else {
		id, err := c.upload(ctx, path)
		if err != nil {
			return err
		}
		img.ID = id
	}
	return c.post(ctx, cloudMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "image",
		Image:            img,
	})
}

func (c *CloudAPI) post(ctx context.Context, msg cloudMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/messages"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.do(req, &out); err != nil {
		return err
	}
	if len(out.Messages) == 0 {
		return delivery.Wrap(delivery.KindTransient, errors.New("cloudapi: response without message id"))
	}
	return nil
}

func (c *CloudAPI) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cloudapi: open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("messaging_product", "whatsapp")
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", imageType(path))
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/media"), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("cloudapi: upload media: %w", err)
	}
	return out.ID, nil
}

func (c *CloudAPI) endpoint(suffix string) string {
	return c.cfg.BaseURL + "/" + c.cfg.Version + "/" + c.cfg.PhoneNumberID + suffix
}

func (c *CloudAPI) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return delivery.Wrap(delivery.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(b, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(b))
		}
		err := fmt.Errorf("cloudapi: http %d (code %d): %s", resp.StatusCode, apiErr.Error.Code, msg)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return delivery.Wrap(delivery.KindChannelUnavailable, err)
		}
		return delivery.Wrap(delivery.KindTransient, err)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func imageType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}
