// Package topology learns the mesh graph from the paths packets actually
// took: message routing headers, advert out-paths and the bot's own traces.
package topology

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/geo/s2"

	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
)

const earthRadiusKm = 6371.0

// Learner folds path observations into mesh_edges and observed_paths.
type Learner struct {
	log    *slog.Logger
	nodes  *persistence.CatalogRepo
	paths  *persistence.PathsRepo
	graph  *persistence.GraphRepo
	writer *persistence.WriterQueue

	recency time.Duration

	selfMu     sync.RWMutex
	selfPrefix string

	// emit, when set, mirrors every upserted edge to an external viewer.
	emit func(ctx context.Context, e domain.MeshEdge)
}

func NewLearner(log *slog.Logger, nodes *persistence.CatalogRepo, paths *persistence.PathsRepo,
	graph *persistence.GraphRepo, writer *persistence.WriterQueue, selfPrefix string, recency time.Duration) *Learner {
	if recency <= 0 {
		recency = 7 * 24 * time.Hour
	}
	return &Learner{
		log:        log,
		nodes:      nodes,
		paths:      paths,
		graph:      graph,
		writer:     writer,
		selfPrefix: selfPrefix,
		recency:    recency,
	}
}

// SetSelfPrefix records the bot's own on-air prefix once the radio reports
// its identity.
func (l *Learner) SetSelfPrefix(prefix string) {
	l.selfMu.Lock()
	l.selfPrefix = prefix
	l.selfMu.Unlock()
}

func (l *Learner) self() string {
	l.selfMu.RLock()
	defer l.selfMu.RUnlock()
	return l.selfPrefix
}

// SetEdgeEmitter installs an optional hook called for every learned edge.
func (l *Learner) SetEdgeEmitter(emit func(ctx context.Context, e domain.MeshEdge)) {
	l.emit = emit
}

// LearnFromMessagePath records the hop chain of a received message:
// sender -> repeaters... -> us. fromPrefix may be empty when the sender is
// unknown; the repeater-to-repeater edges are still learned.
func (l *Learner) LearnFromMessagePath(ctx context.Context, fromPrefix string, pathBytes []byte, packetHash string, now time.Time) {
	self := l.self()
	hops := prefixChain(fromPrefix, pathBytes, self)
	l.learnChain(ctx, hops, now)

	if fromPrefix == "" || len(pathBytes) == 0 {
		return
	}
	p := domain.ObservedPath{
		PacketHash: packetHash,
		FromPrefix: fromPrefix,
		ToPrefix:   self,
		PathHex:    hex.EncodeToString(pathBytes),
		PathLength: len(pathBytes),
		PacketType: "message",
		FirstSeen:  now,
		LastSeen:   now,
	}
	l.writer.Enqueue("message path", func(wctx context.Context) error {
		return l.paths.RecordMessagePath(wctx, p)
	})
}

// LearnFromTrace records a trace the bot ran itself. pathPrefixes are the
// repeater prefixes the trace visited in order. A trace that reached a
// direct neighbor with no intermediate hops teaches both directions of the
// self<->neighbor link.
func (l *Learner) LearnFromTrace(ctx context.Context, targetPrefix string, pathPrefixes []string, now time.Time) {
	self := l.self()
	if len(pathPrefixes) == 0 {
		l.upsert(ctx, domain.MeshEdge{FromPrefix: self, ToPrefix: targetPrefix, LastSeen: now}, now)
		l.upsert(ctx, domain.MeshEdge{FromPrefix: targetPrefix, ToPrefix: self, LastSeen: now}, now)
		return
	}
	hops := append([]string{self}, pathPrefixes...)
	hops = append(hops, targetPrefix)
	l.learnChain(ctx, hops, now)
}

// LearnFromAdvertPath records the out-path an advert took from its origin to
// the bot.
func (l *Learner) LearnFromAdvertPath(ctx context.Context, originPrefix string, pathBytes []byte, now time.Time) {
	l.learnChain(ctx, prefixChain(originPrefix, pathBytes, l.self()), now)
}

// PruneStale drops edges outside the recency window.
func (l *Learner) PruneStale(ctx context.Context, now time.Time) {
	removed, err := l.graph.PruneOlderThan(ctx, now.Add(-l.recency))
	if err != nil {
		l.log.Warn("edge prune failed", "error", err)
		return
	}
	if removed > 0 {
		l.log.Info("pruned stale mesh edges", "count", removed)
	}
}

// EdgesInWindow returns the currently-believed graph.
func (l *Learner) EdgesInWindow(ctx context.Context, now time.Time) ([]domain.MeshEdge, error) {
	return l.graph.EdgesSince(ctx, now.Add(-l.recency))
}

func (l *Learner) learnChain(ctx context.Context, hops []string, now time.Time) {
	for i := 0; i+1 < len(hops); i++ {
		if hops[i] == "" || hops[i+1] == "" || hops[i] == hops[i+1] {
			continue
		}
		l.upsert(ctx, domain.MeshEdge{
			FromPrefix:  hops[i],
			ToPrefix:    hops[i+1],
			HopPosition: i + 1,
			LastSeen:    now,
		}, now)
	}
}

func (l *Learner) upsert(ctx context.Context, e domain.MeshEdge, now time.Time) {
	fromNode, fromCands := l.resolve(ctx, e.FromPrefix, now)
	toNode, toCands := l.resolve(ctx, e.ToPrefix, now)
	if fromNode != nil {
		e.FromPublicKey = fromNode.PublicKey
	}
	if toNode != nil {
		e.ToPublicKey = toNode.PublicKey
	}

	// Distance uses each endpoint's unique node when resolved. For an
	// ambiguous prefix, the candidate located closest to the resolved
	// neighbor stands in — a location heuristic only, never written back
	// as a public key.
	fromPt, fromOK := nodePoint(fromNode)
	toPt, toOK := nodePoint(toNode)
	if fromOK && !toOK {
		toPt, toOK = closestCandidate(toCands, fromPt)
	} else if toOK && !fromOK {
		fromPt, fromOK = closestCandidate(fromCands, toPt)
	}
	if fromOK && toOK {
		d := fromPt.Distance(toPt).Radians() * earthRadiusKm
		e.Distance = &d
	}

	l.writer.Enqueue("mesh edge", func(wctx context.Context) error {
		return l.graph.UpsertEdge(wctx, e)
	})
	if l.emit != nil {
		l.emit(ctx, e)
	}
}

// resolve maps a 2-hex-char prefix onto the recent repeater-class nodes
// sharing it. The first return is non-nil only when the prefix is unique;
// the candidate list backs the distance fallback for ambiguous prefixes.
func (l *Learner) resolve(ctx context.Context, prefix string, now time.Time) (*domain.CatalogNode, []domain.CatalogNode) {
	if prefix == "" || prefix == l.self() {
		return nil, nil
	}
	candidates, err := l.nodes.ByPrefix(ctx, prefix, true, now.Add(-l.recency))
	if err != nil {
		l.log.Warn("prefix resolution failed", "prefix", prefix, "error", err)
		return nil, nil
	}
	if len(candidates) == 1 {
		return &candidates[0], candidates
	}
	return nil, candidates
}

func nodePoint(n *domain.CatalogNode) (s2.Point, bool) {
	if n == nil || n.Latitude == nil || n.Longitude == nil {
		return s2.Point{}, false
	}
	return s2.PointFromLatLng(s2.LatLngFromDegrees(*n.Latitude, *n.Longitude)), true
}

// closestCandidate picks the located candidate nearest the anchor point.
func closestCandidate(candidates []domain.CatalogNode, anchor s2.Point) (s2.Point, bool) {
	var best s2.Point
	found := false
	for i := range candidates {
		pt, ok := nodePoint(&candidates[i])
		if !ok {
			continue
		}
		if !found || anchor.Distance(pt) < anchor.Distance(best) {
			best = pt
			found = true
		}
	}
	return best, found
}

func prefixChain(fromPrefix string, pathBytes []byte, selfPrefix string) []string {
	hops := make([]string, 0, len(pathBytes)+2)
	if fromPrefix != "" {
		hops = append(hops, fromPrefix)
	}
	for _, b := range pathBytes {
		hops = append(hops, hex.EncodeToString([]byte{b}))
	}
	if selfPrefix != "" {
		hops = append(hops, selfPrefix)
	}
	return hops
}
