package dispatch

import (
	"fmt"
	"strings"

	"github.com/jtstockton/meshcore-bot/internal/domain"
)

const placeholderDefault = "unknown"

// MeshInfo supplies the network-derived placeholder values. Implementations
// must answer from cached state: the formatter runs on the send path and
// must never block it.
type MeshInfo interface {
	// PathDistanceKm is the summed link distance along the node prefixes,
	// when every hop resolves.
	PathDistanceKm(nodes []string) (float64, bool)
	// FirstLastDistanceKm is the straight-line distance between the first
	// and last node of the path.
	FirstLastDistanceKm(nodes []string) (float64, bool)
	// ConnectionInfo describes the radio link, e.g. "serial /dev/ttyUSB0".
	ConnectionInfo() string
	// Placeholders are extra mesh summary values keyed by placeholder name.
	Placeholders() map[string]string
}

// Formatter expands {placeholder} tokens in outbound responses. Unresolvable
// placeholders render as "unknown" rather than failing the send.
type Formatter struct {
	mesh    MeshInfo
	phrases []string
	seq     func() int
}

func NewFormatter(mesh MeshInfo, phrases []string) *Formatter {
	n := 0
	return &Formatter{
		mesh:    mesh,
		phrases: phrases,
		seq: func() int {
			n++
			return n
		},
	}
}

// Format expands every known placeholder against the asking message.
func (f *Formatter) Format(template string, msg *domain.MeshMessage) string {
	if !strings.Contains(template, "{") {
		return template
	}

	repl := map[string]string{
		"{sender}":    orDefault(msg.SenderID),
		"{snr}":       fmt.Sprintf("%.2f", msg.SNR),
		"{rssi}":      fmt.Sprintf("%d", msg.RSSI),
		"{timestamp}": orDefault(msg.Elapsed),
		"{path}":      orDefault(msg.Path),
	}
	if msg.SNR == 0 && msg.RSSI == 0 && msg.PacketHash == "" {
		// No RF correlation happened; zeros would be misleading.
		repl["{snr}"] = placeholderDefault
		repl["{rssi}"] = placeholderDefault
	}

	repl["{path_distance}"] = placeholderDefault
	repl["{firstlast_distance}"] = placeholderDefault
	repl["{connection_info}"] = placeholderDefault
	if f.mesh != nil {
		if d, ok := f.mesh.PathDistanceKm(msg.PathNodes); ok {
			repl["{path_distance}"] = fmt.Sprintf("%.1f km", d)
		}
		if d, ok := f.mesh.FirstLastDistanceKm(msg.PathNodes); ok {
			repl["{firstlast_distance}"] = fmt.Sprintf("%.1f km", d)
		}
		if info := f.mesh.ConnectionInfo(); info != "" {
			repl["{connection_info}"] = info
		}
		for name, value := range f.mesh.Placeholders() {
			repl["{"+name+"}"] = orDefault(value)
		}
	}

	repl["{phrase}"] = f.nextPhrase()

	out := template
	for token, value := range repl {
		out = strings.ReplaceAll(out, token, value)
	}
	return out
}

// WrapResponse applies a command's response_format around its output.
func (f *Formatter) WrapResponse(format, response string, msg *domain.MeshMessage) string {
	if format == "" {
		return f.Format(response, msg)
	}
	return f.Format(strings.ReplaceAll(format, "{response}", response), msg)
}

func (f *Formatter) nextPhrase() string {
	if len(f.phrases) == 0 {
		return placeholderDefault
	}
	return f.phrases[f.seq()%len(f.phrases)]
}

func orDefault(s string) string {
	if strings.TrimSpace(s) == "" {
		return placeholderDefault
	}
	return s
}
