package command

import (
	"context"
	"fmt"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/domain"
)

// Mesh summarizes the learned network: how many nodes of each role were
// heard recently, how many are new today, and how many graph edges the bot
// currently believes in.
type Mesh struct {
	*Base
	deps    Deps
	recency time.Duration
}

func NewMesh(deps Deps, section config.CommandSection) Command {
	recency := time.Duration(deps.Cfg.Bot.MeshGraphRecencyDays) * 24 * time.Hour
	if recency <= 0 {
		recency = 7 * 24 * time.Hour
	}
	return &Mesh{
		Base:    NewBase("mesh", []string{"mesh"}, "mesh - summarize the nodes and links heard recently", section),
		deps:    deps,
		recency: recency,
	}
}

func (m *Mesh) Execute(ctx context.Context, _ *domain.MeshMessage) (string, error) {
	now := time.Now()
	cutoff := now.Add(-m.recency)

	counts, err := m.deps.Nodes.CountsSince(ctx, cutoff)
	if err != nil {
		return "", fmt.Errorf("mesh summary: %w", err)
	}
	edges, err := m.deps.Graph.EdgeCountSince(ctx, cutoff)
	if err != nil {
		return "", fmt.Errorf("mesh summary: %w", err)
	}
	newToday, err := m.deps.Nodes.NewSince(ctx, now.Add(-24*time.Hour), "")
	if err != nil {
		return "", fmt.Errorf("mesh summary: %w", err)
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	return fmt.Sprintf("Mesh: %d nodes (%d repeaters, %d companions, %d roomservers), %d links, %d new in 24h",
		total, counts["repeater"], counts["companion"], counts["roomserver"], edges, newToday), nil
}
