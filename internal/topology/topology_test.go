package topology

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
)

type fixture struct {
	ctx     context.Context
	learner *Learner
	nodes   *persistence.CatalogRepo
	graph   *persistence.GraphRepo
	paths   *persistence.PathsRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := persistence.Open(ctx, filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := slog.New(slog.DiscardHandler)
	writer := persistence.NewWriterQueue(log, 16)
	writer.Start(ctx)

	nodes := persistence.NewCatalogRepo(db)
	paths := persistence.NewPathsRepo(db)
	graph := persistence.NewGraphRepo(db)
	learner := NewLearner(log, nodes, paths, graph, writer, "fe", 7*24*time.Hour)
	return &fixture{ctx: ctx, learner: learner, nodes: nodes, graph: graph, paths: paths}
}

func (f *fixture) waitForEdges(t *testing.T, want int) []domain.MeshEdge {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		edges, err := f.learner.EdgesInWindow(f.ctx, time.Now())
		if err != nil {
			t.Fatalf("edges: %v", err)
		}
		if len(edges) >= want {
			return edges
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d edges, have %d", want, len(edges))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func edgeSet(edges []domain.MeshEdge) map[string]domain.MeshEdge {
	out := map[string]domain.MeshEdge{}
	for _, e := range edges {
		out[e.FromPrefix+">"+e.ToPrefix] = e
	}
	return out
}

func TestMessagePathBuildsHopChain(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	// Sender aa routed through repeaters 10 and 20 to reach us (fe).
	f.learner.LearnFromMessagePath(f.ctx, "aa", []byte{0x10, 0x20}, "1111222233334444", now)

	edges := edgeSet(f.waitForEdges(t, 3))
	for _, key := range []string{"aa>10", "10>20", "20>fe"} {
		if _, ok := edges[key]; !ok {
			t.Fatalf("edge %s missing, have %v", key, edges)
		}
	}

	rows, err := f.paths.RecentSince(f.ctx, now.Add(-time.Minute))
	waitDeadline := time.Now().Add(2 * time.Second)
	for err == nil && len(rows) == 0 && time.Now().Before(waitDeadline) {
		time.Sleep(10 * time.Millisecond)
		rows, err = f.paths.RecentSince(f.ctx, now.Add(-time.Minute))
	}
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	if len(rows) != 1 || rows[0].PathHex != "1020" || rows[0].PacketType != "message" {
		t.Fatalf("observed path wrong: %+v", rows)
	}
}

func TestTraceToDirectNeighborIsBidirectional(t *testing.T) {
	f := newFixture(t)
	f.learner.LearnFromTrace(f.ctx, "10", nil, time.Now())

	edges := edgeSet(f.waitForEdges(t, 2))
	if _, ok := edges["fe>10"]; !ok {
		t.Fatalf("forward edge missing: %v", edges)
	}
	if _, ok := edges["10>fe"]; !ok {
		t.Fatalf("reverse edge missing: %v", edges)
	}
}

func TestUniquePrefixAttribution(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	lat1, lon1 := 47.60, -122.30
	lat2, lon2 := 47.70, -122.30
	seed := []domain.CatalogNode{
		// Prefix 10 is unique among recent repeaters.
		{PublicKey: "10aaaa", Name: "R10", Role: "repeater", FirstHeard: now, LastHeard: now,
			Latitude: &lat1, Longitude: &lon1},
		// Prefix 20 is ambiguous: two recent repeaters share it.
		{PublicKey: "20bbbb", Name: "R20a", Role: "repeater", FirstHeard: now, LastHeard: now,
			Latitude: &lat2, Longitude: &lon2},
		{PublicKey: "20cccc", Name: "R20b", Role: "repeater", FirstHeard: now, LastHeard: now},
		// A companion sharing prefix 10 must not break uniqueness.
		{PublicKey: "10dddd", Name: "C10", Role: "companion", FirstHeard: now, LastHeard: now},
	}
	for _, n := range seed {
		if err := f.nodes.Upsert(f.ctx, n); err != nil {
			t.Fatalf("seed %s: %v", n.Name, err)
		}
	}

	f.learner.LearnFromMessagePath(f.ctx, "aa", []byte{0x10, 0x20}, "", now)
	edges := edgeSet(f.waitForEdges(t, 3))

	e := edges["aa>10"]
	if e.ToPublicKey != "10aaaa" {
		t.Fatalf("unique prefix not attributed: %+v", e)
	}
	e = edges["10>20"]
	if e.FromPublicKey != "10aaaa" {
		t.Fatalf("from side not attributed: %+v", e)
	}
	if e.ToPublicKey != "" {
		t.Fatalf("ambiguous prefix wrongly attributed: %+v", e)
	}
	// The located candidate closest to the resolved neighbor stands in for
	// distance math; the key stays null.
	if e.Distance == nil {
		t.Fatalf("distance fallback not applied: %+v", e)
	}
	if *e.Distance < 10 || *e.Distance > 13 {
		t.Fatalf("implausible fallback distance: %v km", *e.Distance)
	}
}

func TestHopPositionsAreOneIndexed(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.learner.LearnFromMessagePath(f.ctx, "aa", []byte{0x10, 0x20}, "", now)
	edges := edgeSet(f.waitForEdges(t, 3))

	want := map[string]int{"aa>10": 1, "10>20": 2, "20>fe": 3}
	for key, pos := range want {
		e, ok := edges[key]
		if !ok {
			t.Fatalf("edge %s missing: %v", key, edges)
		}
		if e.HopPosition != pos {
			t.Fatalf("edge %s hop position %d, want %d", key, e.HopPosition, pos)
		}
	}
}

func TestEdgeEmitterSeesEveryEdge(t *testing.T) {
	f := newFixture(t)
	var emitted []domain.MeshEdge
	f.learner.SetEdgeEmitter(func(_ context.Context, e domain.MeshEdge) {
		emitted = append(emitted, e)
	})

	f.learner.LearnFromMessagePath(f.ctx, "aa", []byte{0x10}, "", time.Now())
	if len(emitted) != 2 {
		t.Fatalf("expected 2 emitted edges, got %d", len(emitted))
	}
}

func TestDistanceBetweenResolvedEndpoints(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	lat1, lon1 := 47.60, -122.30
	lat2, lon2 := 47.70, -122.30 // ~11 km due north
	seed := []domain.CatalogNode{
		{PublicKey: "10aaaa", Name: "R10", Role: "repeater", FirstHeard: now, LastHeard: now,
			Latitude: &lat1, Longitude: &lon1},
		{PublicKey: "20bbbb", Name: "R20", Role: "repeater", FirstHeard: now, LastHeard: now,
			Latitude: &lat2, Longitude: &lon2},
	}
	for _, n := range seed {
		if err := f.nodes.Upsert(f.ctx, n); err != nil {
			t.Fatalf("seed %s: %v", n.Name, err)
		}
	}

	f.learner.LearnFromAdvertPath(f.ctx, "10", []byte{0x20}, now)
	edges := edgeSet(f.waitForEdges(t, 2))

	e, ok := edges["10>20"]
	if !ok {
		t.Fatalf("edge 10>20 missing: %v", edges)
	}
	if e.Distance == nil {
		t.Fatal("distance not computed")
	}
	if *e.Distance < 10 || *e.Distance > 13 {
		t.Fatalf("implausible distance: %v km", *e.Distance)
	}
}

func TestSelfLoopAndBlankHopsSkipped(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	// Consecutive duplicate hop collapses, producing only aa>10 and 10>fe.
	f.learner.LearnFromMessagePath(f.ctx, "aa", []byte{0x10, 0x10}, "", now)
	edges := edgeSet(f.waitForEdges(t, 2))
	if _, ok := edges["10>10"]; ok {
		t.Fatalf("self loop recorded: %v", edges)
	}
}
