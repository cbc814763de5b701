// Package geocode enriches catalog nodes with place names from the
// Nominatim reverse geocoder. The upstream allows roughly one request per
// second, so every call goes through the shared limiter.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/ratelimit"
)

const (
	nominatimBase = "https://nominatim.openstreetmap.org/reverse"
	userAgent     = "meshcore-bot/1.0 (+https://github.com/jtstockton/meshcore-bot)"
)

// Place is the subset of the reverse-geocode answer the catalog keeps.
type Place struct {
	City    string
	State   string
	Country string
}

type Resolver struct {
	log     *slog.Logger
	client  *http.Client
	limiter *ratelimit.Nominatim
	nodes   *persistence.CatalogRepo
	baseURL string
}

func NewResolver(log *slog.Logger, client *http.Client, limiter *ratelimit.Nominatim, nodes *persistence.CatalogRepo) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if limiter == nil {
		limiter = ratelimit.NewNominatim(0)
	}
	return &Resolver{
		log:     log,
		client:  client,
		limiter: limiter,
		nodes:   nodes,
		baseURL: nominatimBase,
	}
}

type nominatimResponse struct {
	Address struct {
		City         string `json:"city"`
		Town         string `json:"town"`
		Village      string `json:"village"`
		Municipality string `json:"municipality"`
		State        string `json:"state"`
		Country      string `json:"country"`
	} `json:"address"`
}

// Reverse resolves coordinates to a place, waiting out the rate limit first.
func (r *Resolver) Reverse(ctx context.Context, lat, lon float64) (Place, error) {
	if err := r.limiter.WaitAndRequest(ctx); err != nil {
		return Place{}, err
	}

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.6f", lat))
	q.Set("lon", fmt.Sprintf("%.6f", lon))
	q.Set("format", "jsonv2")
	q.Set("zoom", "10")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Place{}, fmt.Errorf("build reverse geocode request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return Place{}, fmt.Errorf("reverse geocode: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Place{}, fmt.Errorf("reverse geocode returned %s", resp.Status)
	}

	var data nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Place{}, fmt.Errorf("decode reverse geocode response: %w", err)
	}

	city := data.Address.City
	for _, alt := range []string{data.Address.Town, data.Address.Village, data.Address.Municipality} {
		if city != "" {
			break
		}
		city = alt
	}
	return Place{City: city, State: data.Address.State, Country: data.Address.Country}, nil
}

// EnrichNode resolves a node's advertised position and stores the place on
// its catalog row. Best effort: failures are logged, not propagated.
func (r *Resolver) EnrichNode(ctx context.Context, publicKey string, lat, lon float64) {
	place, err := r.Reverse(ctx, lat, lon)
	if err != nil {
		r.log.Debug("reverse geocode failed", "node", publicKey[:min(8, len(publicKey))], "error", err)
		return
	}
	if place.City == "" && place.State == "" && place.Country == "" {
		return
	}
	if err := r.nodes.UpdateLocation(ctx, publicKey, place.City, place.State, place.Country); err != nil {
		r.log.Warn("place update failed", "error", err)
	}
}
