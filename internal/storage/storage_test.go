package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ordernotify/internal/postgrest"
	logx "ordernotify/pkg/logx"
)

func openers(t *testing.T) map[string]func(t *testing.T) StatusStore {
	return map[string]func(t *testing.T) StatusStore{
		"memory": func(t *testing.T) StatusStore { return NewMemory() },
		"file": func(t *testing.T) StatusStore {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "status.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) StatusStore {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "status.sqlite")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
		"rest": func(t *testing.T) StatusStore {
			srv := httptest.NewServer(newFakePostgREST())
			t.Cleanup(srv.Close)
			c, err := postgrest.New(postgrest.Config{BaseURL: srv.URL, APIKey: "k"}, srv.Client())
			if err != nil {
				t.Fatalf("client: %v", err)
			}
			return newRESTStore(c, "order_notifications", logx.Nop())
		},
	}
}

func TestStatusStoreContract(t *testing.T) {
	for name, open := range openers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			at := time.UnixMilli(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC).UnixMilli())

			if _, ok, err := st.Get(ctx, "o1"); err != nil || ok {
				t.Fatalf("Get on empty store: ok=%v err=%v", ok, err)
			}

			// Three failures then a success.
			for i := 0; i < 3; i++ {
				if err := st.MarkFailed(ctx, "o1", "timeout", at.Add(time.Duration(i)*time.Second)); err != nil {
					t.Fatalf("MarkFailed: %v", err)
				}
			}
			got, ok, err := st.Get(ctx, "o1")
			if err != nil || !ok {
				t.Fatalf("Get: ok=%v err=%v", ok, err)
			}
			if got.Sent || got.Attempts != 3 || got.LastError != "timeout" {
				t.Fatalf("after failures: %+v", got)
			}
			if !got.NeedsRedrive() {
				t.Fatal("failed order must need a redrive")
			}

			if err := st.MarkSent(ctx, "o1", at.Add(time.Minute)); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
			if err := st.MarkSent(ctx, "o1", at.Add(2*time.Minute)); err != nil {
				t.Fatalf("MarkSent twice: %v", err)
			}
			if err := st.MarkFailed(ctx, "o1", "late", at.Add(3*time.Minute)); err != nil {
				t.Fatalf("MarkFailed after sent: %v", err)
			}
			got, _, _ = st.Get(ctx, "o1")
			if !got.Sent {
				t.Fatal("sent reverted to false")
			}
			if got.Attempts != 6 {
				t.Fatalf("attempts = %d, want 6", got.Attempts)
			}
			if !got.CreatedAt.Equal(at) {
				t.Fatalf("created_at = %v, want %v", got.CreatedAt, at)
			}

			if err := st.MarkFollowUpSent(ctx, "o2", at); err != nil {
				t.Fatalf("MarkFollowUpSent: %v", err)
			}
			if err := st.MarkReadyFailed(ctx, "o3", "offline", at); err != nil {
				t.Fatalf("MarkReadyFailed: %v", err)
			}

			many, err := st.GetMany(ctx, []string{"o1", "o2", "o3", "missing"})
			if err != nil {
				t.Fatalf("GetMany: %v", err)
			}
			if len(many) != 3 {
				t.Fatalf("GetMany returned %d records, want 3", len(many))
			}
			if !many["o2"].FollowUpSent || many["o2"].Sent || many["o2"].Attempts != 0 {
				t.Fatalf("o2: %+v", many["o2"])
			}
			if !many["o3"].NeedsReadyRedrive() {
				t.Fatalf("o3: %+v", many["o3"])
			}
			if err := st.MarkReadySent(ctx, "o3", at); err != nil {
				t.Fatalf("MarkReadySent: %v", err)
			}
			o3, _, _ := st.Get(ctx, "o3")
			if !o3.ReadySent || o3.ReadyAttempts != 2 {
				t.Fatalf("o3 after ready sent: %+v", o3)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "status.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now()
	_ = st.MarkFailed(ctx, "a", "x", now)
	_ = st.MarkSent(ctx, "b", now)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.MarkSent(ctx, "c", now); err != ErrClosed {
		t.Fatalf("write after close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	recs, _ := st.GetMany(ctx, []string{"a", "b"})
	if recs["a"].Sent || recs["a"].Attempts != 1 || !recs["b"].Sent {
		t.Fatalf("records after reopen: %+v", recs)
	}
}

func TestSQLStoreRebind(t *testing.T) {
	s := &sqlStore{table: "t", dollar: true}
	got := s.q(`SELECT 1 FROM {{table}} WHERE a = ? AND b IN (?,?)`)
	if got != `SELECT 1 FROM t WHERE a = $1 AND b IN ($2,$3)` {
		t.Fatalf("rebind = %q", got)
	}
	if _, err := newSQLStore(nil, "x; DROP TABLE y", false, logx.Nop()); err == nil {
		t.Fatal("expected invalid table name error")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "cassandra"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error without dsn")
	}
}

// fakePostgREST understands the subset of PostgREST used by restStore.
type fakePostgREST struct {
	mu   sync.Mutex
	rows map[string]map[string]any
}

func newFakePostgREST() *fakePostgREST {
	return &fakePostgREST{rows: map[string]map[string]any{}}
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("apikey") == "" {
		http.Error(w, "no key", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		filter := r.URL.Query().Get("order_id")
		var ids []string
		switch {
		case strings.HasPrefix(filter, "eq."):
			ids = []string{strings.TrimPrefix(filter, "eq.")}
		case strings.HasPrefix(filter, "in.("):
			ids = strings.Split(strings.TrimSuffix(strings.TrimPrefix(filter, "in.("), ")"), ",")
		}
		out := []map[string]any{}
		for _, id := range ids {
			if row, ok := f.rows[id]; ok {
				out = append(out, row)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		if r.URL.Query().Get("on_conflict") != "order_id" || !strings.Contains(r.Header.Get("Prefer"), "merge-duplicates") {
			http.Error(w, "duplicate key", http.StatusConflict)
			return
		}
		var rows []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, row := range rows {
			id, _ := row["order_id"].(string)
			f.rows[id] = row
		}
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
