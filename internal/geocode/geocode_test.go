package geocode

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/ratelimit"
)

func stubServer(t *testing.T, address map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing user agent")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"address": address})
	}))
}

func TestReverseResolvesPlace(t *testing.T) {
	srv := stubServer(t, map[string]string{
		"city": "Seattle", "state": "Washington", "country": "United States",
	})
	defer srv.Close()

	log := slog.New(slog.DiscardHandler)
	r := NewResolver(log, srv.Client(), ratelimit.NewNominatim(time.Millisecond), nil)
	r.baseURL = srv.URL

	place, err := r.Reverse(context.Background(), 47.6, -122.3)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if place.City != "Seattle" || place.State != "Washington" {
		t.Fatalf("unexpected place: %+v", place)
	}
}

func TestReverseFallsBackToTown(t *testing.T) {
	srv := stubServer(t, map[string]string{
		"town": "Snoqualmie", "state": "Washington", "country": "United States",
	})
	defer srv.Close()

	log := slog.New(slog.DiscardHandler)
	r := NewResolver(log, srv.Client(), ratelimit.NewNominatim(time.Millisecond), nil)
	r.baseURL = srv.URL

	place, err := r.Reverse(context.Background(), 47.5, -121.8)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if place.City != "Snoqualmie" {
		t.Fatalf("town fallback failed: %+v", place)
	}
}

func TestEnrichNodeWritesCatalogRow(t *testing.T) {
	srv := stubServer(t, map[string]string{
		"city": "Seattle", "state": "Washington", "country": "United States",
	})
	defer srv.Close()

	ctx := context.Background()
	db, err := persistence.Open(ctx, filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	nodes := persistence.NewCatalogRepo(db)

	now := time.Now()
	if err := nodes.Upsert(ctx, domain.CatalogNode{
		PublicKey: "aa11", Name: "N", Role: "companion", FirstHeard: now, LastHeard: now,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	log := slog.New(slog.DiscardHandler)
	r := NewResolver(log, srv.Client(), ratelimit.NewNominatim(time.Millisecond), nodes)
	r.baseURL = srv.URL
	r.EnrichNode(ctx, "aa11", 47.6, -122.3)

	n, ok, err := nodes.Get(ctx, "aa11")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if n.City != "Seattle" || n.Country != "United States" {
		t.Fatalf("place not stored: %+v", n)
	}
}
