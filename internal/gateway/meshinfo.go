package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/s2"

	"github.com/jtstockton/meshcore-bot/internal/persistence"
)

const earthRadiusKm = 6371.0

// meshState is the cached view of the mesh the response formatter reads.
// The formatter runs on the send path, so every accessor answers from
// memory; the summary refresh runs on its own loop.
type meshState struct {
	log   *slog.Logger
	nodes *persistence.CatalogRepo
	graph *persistence.GraphRepo

	connInfo string

	mu        sync.Mutex
	positions map[string]*knownPosition // by 2-hex-char prefix
	summary   map[string]string
}

// knownPosition is the last advertised location of a prefix. A prefix shared
// by two different public keys is ambiguous and resolves no distance.
type knownPosition struct {
	publicKey string
	lat, lon  float64
	ambiguous bool
}

func newMeshState(log *slog.Logger, nodes *persistence.CatalogRepo, graph *persistence.GraphRepo, connInfo string) *meshState {
	return &meshState{
		log:       log,
		nodes:     nodes,
		graph:     graph,
		connInfo:  connInfo,
		positions: map[string]*knownPosition{},
		summary:   map[string]string{},
	}
}

// learnPosition records a node position keyed by prefix.
func (m *meshState) learnPosition(publicKey string, lat, lon float64) {
	if len(publicKey) < 2 || (lat == 0 && lon == 0) {
		return
	}
	prefix := strings.ToLower(publicKey[:2])

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[prefix]
	if !ok {
		m.positions[prefix] = &knownPosition{publicKey: publicKey, lat: lat, lon: lon}
		return
	}
	if p.publicKey != publicKey {
		p.ambiguous = true
		return
	}
	p.lat, p.lon = lat, lon
}

// PathDistanceKm sums link distances along the path; every hop must resolve
// to an unambiguous positioned node.
func (m *meshState) PathDistanceKm(nodes []string) (float64, bool) {
	if len(nodes) < 2 {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for i := 0; i+1 < len(nodes); i++ {
		d, ok := m.distanceLocked(nodes[i], nodes[i+1])
		if !ok {
			return 0, false
		}
		total += d
	}
	return total, true
}

// FirstLastDistanceKm is the straight-line distance between the path ends.
func (m *meshState) FirstLastDistanceKm(nodes []string) (float64, bool) {
	if len(nodes) < 2 {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.distanceLocked(nodes[0], nodes[len(nodes)-1])
}

func (m *meshState) ConnectionInfo() string {
	return m.connInfo
}

// Placeholders returns the cached mesh summary values.
func (m *meshState) Placeholders() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.summary))
	for k, v := range m.summary {
		out[k] = v
	}
	return out
}

func (m *meshState) distanceLocked(fromPrefix, toPrefix string) (float64, bool) {
	a, okA := m.positions[strings.ToLower(fromPrefix)]
	b, okB := m.positions[strings.ToLower(toPrefix)]
	if !okA || !okB || a.ambiguous || b.ambiguous {
		return 0, false
	}
	pa := s2.PointFromLatLng(s2.LatLngFromDegrees(a.lat, a.lon))
	pb := s2.PointFromLatLng(s2.LatLngFromDegrees(b.lat, b.lon))
	return pa.Distance(pb).Radians() * earthRadiusKm, true
}

// refreshSummary recomputes the catalog and graph counters behind the
// {node_count}-style placeholders.
func (m *meshState) refreshSummary(ctx context.Context, now time.Time) {
	counts, err := m.nodes.CountsSince(ctx, time.Time{})
	if err != nil {
		m.log.Warn("mesh summary refresh failed", "error", err)
		return
	}
	active24h, _ := m.nodes.CountsSince(ctx, now.Add(-24*time.Hour))
	newWeek, _ := m.nodes.NewSince(ctx, now.Add(-7*24*time.Hour), "")
	active30d, _ := m.nodes.CountsSince(ctx, now.Add(-30*24*time.Hour))
	edges, _ := m.graph.EdgeCountSince(ctx, now.Add(-7*24*time.Hour))

	summary := map[string]string{
		"node_count":      fmt.Sprintf("%d", sumCounts(counts)),
		"repeater_count":  fmt.Sprintf("%d", counts["repeater"]),
		"companion_count": fmt.Sprintf("%d", counts["companion"]),
		"active_24h":      fmt.Sprintf("%d", sumCounts(active24h)),
		"active_30d":      fmt.Sprintf("%d", sumCounts(active30d)),
		"new_7d":          fmt.Sprintf("%d", newWeek),
		"edge_count":      fmt.Sprintf("%d", edges),
	}

	m.mu.Lock()
	m.summary = summary
	m.mu.Unlock()
}

// seedPositions loads stored node locations once at startup so distances
// resolve before fresh adverts arrive.
func (m *meshState) seedPositions(ctx context.Context) {
	all, err := m.nodes.All(ctx)
	if err != nil {
		m.log.Warn("position seed failed", "error", err)
		return
	}
	for _, n := range all {
		if n.Latitude != nil && n.Longitude != nil {
			m.learnPosition(n.PublicKey, *n.Latitude, *n.Longitude)
		}
	}
}

func sumCounts(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
