// Package capture mirrors selected runtime events into the packet_stream
// table and, optionally, to an external viewer over HTTP. Everything here is
// best effort: capture failures never disturb message handling.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/protocol"
)

// Options selects which event classes are captured.
type Options struct {
	Command        bool
	FullPacketData bool
	PacketRouting  bool
	NodeUpdates    bool
	EdgeUpdates    bool
	EmitterURL     string
}

// OptionsFromConfig reads the [Web_Viewer] capture flags.
func OptionsFromConfig(cfg *config.Config) Options {
	section, _ := cfg.Section("Web_Viewer")
	return Options{
		Command:        sectionBool(section, "capture_command"),
		FullPacketData: sectionBool(section, "capture_full_packet_data"),
		PacketRouting:  sectionBool(section, "capture_packet_routing"),
		NodeUpdates:    sectionBool(section, "send_mesh_node_update"),
		EdgeUpdates:    sectionBool(section, "send_mesh_edge_update"),
		EmitterURL:     section["emitter_url"],
	}
}

type Hooks struct {
	log    *slog.Logger
	stream *persistence.StreamRepo
	writer *persistence.WriterQueue
	opts   Options
	client *http.Client
}

func NewHooks(log *slog.Logger, stream *persistence.StreamRepo, writer *persistence.WriterQueue, opts Options) *Hooks {
	return &Hooks{
		log:    log,
		stream: stream,
		writer: writer,
		opts:   opts,
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Packet captures a decoded on-air packet with its RF readings.
func (h *Hooks) Packet(pkt *protocol.Packet, snr float64, rssi int, commandID string) {
	if !h.opts.FullPacketData {
		return
	}
	row := map[string]any{
		"payload_type": pkt.PayloadType.String(),
		"route_type":   pkt.RouteType.String(),
		"path_len":     pkt.PathLen,
		"hash":         pkt.Hash,
		"snr":          snr,
		"rssi":         rssi,
	}
	if commandID != "" {
		row["command_id"] = commandID
	}
	h.append(persistence.StreamTypePacket, row)
}

// Command captures one command execution, successful or not, with its
// response.
func (h *Hooks) Command(name string, msg *domain.MeshMessage, response string, success bool) {
	if !h.opts.Command {
		return
	}
	h.append(persistence.StreamTypeCommand, map[string]any{
		"command":  name,
		"sender":   msg.SenderID,
		"channel":  msg.Channel,
		"is_dm":    msg.IsDM,
		"content":  msg.Content,
		"response": response,
		"success":  success,
	})
}

// Routing captures the routing summary of a packet.
func (h *Hooks) Routing(pkt *protocol.Packet) {
	if !h.opts.PacketRouting {
		return
	}
	h.append(persistence.StreamTypeRouting, map[string]any{
		"route_type": pkt.RouteType.String(),
		"path_kind":  string(pkt.PathKind),
		"path_nodes": pkt.PathNodes,
		"hash":       pkt.Hash,
	})
}

// NodeUpdate pushes a catalog change to the external viewer.
func (h *Hooks) NodeUpdate(ctx context.Context, node domain.CatalogNode) {
	if !h.opts.NodeUpdates {
		return
	}
	h.emit(ctx, "node_update", map[string]any{
		"public_key": node.PublicKey,
		"name":       node.Name,
		"role":       node.Role,
		"last_heard": node.LastHeard.UTC().Format(time.RFC3339),
	})
}

// EdgeUpdate pushes a topology change to the external viewer.
func (h *Hooks) EdgeUpdate(ctx context.Context, edge domain.MeshEdge) {
	if !h.opts.EdgeUpdates {
		return
	}
	h.emit(ctx, "edge_update", map[string]any{
		"from": edge.FromPrefix,
		"to":   edge.ToPrefix,
	})
}

func (h *Hooks) append(rowType string, row map[string]any) {
	sanitized := sanitize(row)
	h.writer.Enqueue("capture "+rowType, func(ctx context.Context) error {
		_, err := h.stream.Append(ctx, rowType, sanitized)
		return err
	})
}

// emit posts an event to the viewer endpoint without blocking the caller.
func (h *Hooks) emit(ctx context.Context, kind string, row map[string]any) {
	if h.opts.EmitterURL == "" {
		return
	}
	row["event"] = kind
	body, err := json.Marshal(sanitize(row))
	if err != nil {
		return
	}
	go func() {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.opts.EmitterURL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := h.client.Do(req)
		if err != nil {
			h.log.Debug("viewer emit failed", "event", kind, "error", err)
			return
		}
		resp.Body.Close()
	}()
}

// sanitize makes every value JSON-marshalable, stringifying anything that
// is not.
func sanitize(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if _, err := json.Marshal(v); err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = v
	}
	return out
}

func sectionBool(section map[string]string, key string) bool {
	switch strings.ToLower(strings.TrimSpace(section[key])) {
	case "true", "yes", "on", "1":
		return true
	default:
		return false
	}
}
