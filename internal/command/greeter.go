package command

import (
	"context"
	"strings"

	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/domain"
)

var greetingWords = []string{"hello", "hi", "hey", "howdy", "greetings"}

// Greeter has no command keyword: it fires on plain greetings addressed to
// the channel, before prefix handling.
type Greeter struct {
	*Base
	deps Deps
}

func NewGreeter(deps Deps, section config.CommandSection) Command {
	return &Greeter{
		Base: NewBase("greeter", nil, "", section),
		deps: deps,
	}
}

// ShouldExecute matches when the message opens with a greeting word.
func (g *Greeter) ShouldExecute(_ *domain.MeshMessage, content string) bool {
	word := strings.ToLower(strings.Trim(firstWord(content), "!,.?"))
	for _, w := range greetingWords {
		if word == w {
			return true
		}
	}
	return false
}

func (g *Greeter) Execute(_ context.Context, msg *domain.MeshMessage) (string, error) {
	greeting := g.deps.Translator.Translate("Hello, {sender}!", map[string]any{"sender": msg.SenderID})
	return greeting, nil
}
