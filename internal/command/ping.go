package command

import (
	"context"

	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/domain"
)

// Ping answers the canonical liveness check.
type Ping struct {
	*Base
	deps Deps
}

func NewPing(deps Deps, section config.CommandSection) Command {
	return &Ping{
		Base: NewBase("ping", []string{"ping"}, "ping - check that the bot is alive", section),
		deps: deps,
	}
}

func (p *Ping) Execute(_ context.Context, _ *domain.MeshMessage) (string, error) {
	return p.deps.Translator.Translate("Pong!", nil), nil
}
