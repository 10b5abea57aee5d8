// Package postgrest is a small client for PostgREST-style collections
// (Supabase "rest/v1"). It covers the filtered list and upsert calls used
// by the order source and the REST status store.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("postgrest: base url and api key are required")

type Config struct {
	// BaseURL is the project URL, e.g. https://xyz.supabase.co. The
	// "/rest/v1" suffix is appended when missing.
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

func New(cfg Config, hc *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	key := strings.TrimSpace(cfg.APIKey)
	if base == "" || key == "" {
		return nil, ErrNotConfigured
	}
	if !strings.HasSuffix(base, "/rest/v1") {
		base += "/rest/v1"
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, apiKey: key, http: hc}, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("postgrest: http %d: %s", e.Code, e.Body)
}

// Select runs GET /<table>?<query> and decodes the JSON array into out.
func (c *Client) Select(ctx context.Context, table string, query url.Values, out any) error {
	u := c.base + "/" + table
	if len(query) > 0 {
		u += "?" + encodeQuery(query)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.headers(req)
	return c.do(req, out)
}

// Upsert POSTs rows to /<table>, merging on conflict with onConflict.
func (c *Client) Upsert(ctx context.Context, table, onConflict string, rows any) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	u := c.base + "/" + table
	if onConflict != "" {
		u += "?on_conflict=" + url.QueryEscape(onConflict)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.headers(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	return c.do(req, nil)
}

// In renders a PostgREST "in.(a,b)" filter value.
func In(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		if strings.ContainsAny(v, `,()"`) {
			v = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
		}
		quoted = append(quoted, v)
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}

func (c *Client) headers(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// encodeQuery keeps PostgREST operators readable ("gte.", "in.(...)")
// while escaping values.
func encodeQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(escapeValue(v))
		}
	}
	return b.String()
}

func escapeValue(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r == '(' || r == ')' || r == ',' || r == '.' || r == ':' || r == '-' || r == '_' || r == '*':
			b.WriteRune(r)
		default:
			b.WriteString(url.QueryEscape(string(r)))
		}
	}
	return b.String()
}
