package command

import (
	"context"

	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/domain"
)

// Test reports the RF readings of the asking message back to the sender, a
// quick link-quality probe.
type Test struct {
	*Base
	deps Deps
}

func NewTest(deps Deps, section config.CommandSection) Command {
	return &Test{
		Base: NewBase("test", []string{"test"}, "test - report signal readings for your message", section),
		deps: deps,
	}
}

// Execute emits placeholders; the dispatcher fills them from the message.
func (t *Test) Execute(_ context.Context, _ *domain.MeshMessage) (string, error) {
	return "SNR: {snr} dB, RSSI: {rssi} dBm, path: {path}, elapsed: {timestamp}", nil
}
