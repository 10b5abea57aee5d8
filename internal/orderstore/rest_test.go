package orderstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "ordernotify/pkg/logx"
)

func TestRESTQueries(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "secret" || r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		if r.URL.Path != "/rest/v1/orders" {
			t.Errorf("path = %s", r.URL.Path)
		}
		seen = append(seen, r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.RawQuery, "id=eq.missing"):
			_, _ = w.Write([]byte(`[]`))
		default:
			_, _ = w.Write([]byte(`[{"id":"7","order_number":"102","customer_phone":"0612345678","total":9.9,
				"order_type":"emporter","status":"pending","created_at":"2026-03-01T18:00:00Z","items":[]}]`))
		}
	}))
	defer srv.Close()

	src, err := NewREST(Config{BaseURL: srv.URL, APIKey: "secret"}, srv.Client())
	if err != nil {
		t.Fatalf("NewREST: %v", err)
	}
	ctx := context.Background()

	latest, err := src.Latest(ctx, 5)
	if err != nil || len(latest) != 1 || latest[0].Number != "102" {
		t.Fatalf("Latest = %+v, %v", latest, err)
	}
	if _, err := src.Since(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Since: %v", err)
	}
	if _, ok, err := src.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get missing: ok=%v err=%v", ok, err)
	}

	if !strings.Contains(seen[0], "order=created_at.desc") || !strings.Contains(seen[0], "limit=5") {
		t.Fatalf("latest query = %q", seen[0])
	}
	if !strings.Contains(seen[1], "created_at=gte.2026-03-01T00:00:00Z") {
		t.Fatalf("since query = %q", seen[1])
	}
}

func TestRESTErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	src, _ := NewREST(Config{BaseURL: srv.URL, APIKey: "k"}, srv.Client())
	if _, err := src.Latest(context.Background(), 5); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected http 502 error, got %v", err)
	}
}

func TestOpenRequiresConfig(t *testing.T) {
	if _, _, err := Open(context.Background(), Config{Driver: "rest"}, logx.Nop()); err == nil {
		t.Fatal("expected error without base url")
	}
	if _, _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestRESTReadyAndLoyalty(t *testing.T) {
	var paths, queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		queries = append(queries, r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/rest/v1/loyalty_points" && strings.Contains(r.URL.RawQuery, "0600000000"):
			_, _ = w.Write([]byte(`[]`))
		case r.URL.Path == "/rest/v1/loyalty_points":
			_, _ = w.Write([]byte(`[{"customer_phone":"0612345678","soufflet_count":13,"pizza_count":4,"total_purchases":17}]`))
		default:
			_, _ = w.Write([]byte(`[{"id":"7","order_number":"102","status":"ready","created_at":"2026-03-01T18:00:00Z","items":[]}]`))
		}
	}))
	defer srv.Close()

	src, err := NewREST(Config{BaseURL: srv.URL, APIKey: "secret"}, srv.Client())
	if err != nil {
		t.Fatalf("NewREST: %v", err)
	}
	ctx := context.Background()

	ready, err := src.WithStatus(ctx, "ready", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || len(ready) != 1 || ready[0].ID != "7" {
		t.Fatalf("WithStatus = %+v, %v", ready, err)
	}
	if !strings.Contains(queries[0], "status=eq.ready") || !strings.Contains(queries[0], "created_at=gte.2026-03-01T00:00:00Z") {
		t.Fatalf("ready query = %q", queries[0])
	}

	card, ok, err := src.Loyalty(ctx, "0612345678")
	if err != nil || !ok || card.SouffletCount != 13 || card.SouffletStamps() != 3 || card.TotalPurchases != 17 {
		t.Fatalf("Loyalty = %+v ok=%v err=%v", card, ok, err)
	}
	if paths[1] != "/rest/v1/loyalty_points" || !strings.Contains(queries[1], "customer_phone=eq.0612345678") {
		t.Fatalf("loyalty request = %s?%s", paths[1], queries[1])
	}
	if _, ok, err := src.Loyalty(ctx, "0600000000"); ok || err != nil {
		t.Fatalf("unknown phone: ok=%v err=%v", ok, err)
	}
}
