package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/protocol"
)

func newHooks(t *testing.T, opts Options) (*Hooks, *persistence.StreamRepo, context.Context) {
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
	stream := persistence.NewStreamRepo(db)
	return NewHooks(log, stream, writer, opts), stream, ctx
}

func waitForRows(t *testing.T, ctx context.Context, stream *persistence.StreamRepo, rowType string, want int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := stream.Recent(ctx, rowType, 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(rows) >= want {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("wanted %d %s rows, have %d", want, rowType, len(rows))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPacketCaptureHonorsFlag(t *testing.T) {
	h, stream, ctx := newHooks(t, Options{FullPacketData: false})
	pkt := &protocol.Packet{Hash: "aabbccdd00112233"}
	h.Packet(pkt, 5.5, -88, "")

	time.Sleep(50 * time.Millisecond)
	rows, err := stream.Recent(ctx, persistence.StreamTypePacket, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("capture ran while disabled: %+v", rows)
	}
}

func TestPacketCaptureStoresRow(t *testing.T) {
	h, stream, ctx := newHooks(t, Options{FullPacketData: true})
	pkt := &protocol.Packet{
		PayloadType: protocol.PayloadTypeTxtMsg,
		PathLen:     2,
		Hash:        "aabbccdd00112233",
	}
	h.Packet(pkt, 5.5, -88, "tx-1-1")

	rows := waitForRows(t, ctx, stream, persistence.StreamTypePacket, 1)
	if rows[0]["hash"] != "aabbccdd00112233" || rows[0]["command_id"] != "tx-1-1" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if rows[0]["snr"].(float64) != 5.5 {
		t.Fatalf("snr wrong: %+v", rows[0])
	}
}

func TestCommandCapture(t *testing.T) {
	h, stream, ctx := newHooks(t, Options{Command: true})
	h.Command("ping", &domain.MeshMessage{SenderID: "Alice", IsDM: true, Content: "ping"}, "Pong!", true)
	h.Command("weather", &domain.MeshMessage{SenderID: "Alice", IsDM: true, Content: "weather"}, "", false)

	rows := waitForRows(t, ctx, stream, persistence.StreamTypeCommand, 2)
	// Recent returns newest first.
	if rows[0]["command"] != "weather" || rows[0]["success"] != false {
		t.Fatalf("failed execution row wrong: %+v", rows[0])
	}
	if rows[1]["command"] != "ping" || rows[1]["response"] != "Pong!" || rows[1]["success"] != true {
		t.Fatalf("successful execution row wrong: %+v", rows[1])
	}
}

func TestNodeUpdateEmitsToViewer(t *testing.T) {
	var mu sync.Mutex
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var row map[string]any
		_ = json.NewDecoder(r.Body).Decode(&row)
		mu.Lock()
		got = append(got, row)
		mu.Unlock()
	}))
	defer srv.Close()

	h, _, ctx := newHooks(t, Options{NodeUpdates: true, EmitterURL: srv.URL})
	h.client = srv.Client()
	h.NodeUpdate(ctx, domain.CatalogNode{PublicKey: "aa11", Name: "N", Role: "repeater", LastHeard: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("viewer never received the update")
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0]["event"] != "node_update" || got[0]["public_key"] != "aa11" {
		t.Fatalf("unexpected payload: %+v", got[0])
	}
}

func TestSanitizeStringifiesUnmarshalable(t *testing.T) {
	out := sanitize(map[string]any{
		"ok":  "fine",
		"bad": func() {},
	})
	if out["ok"] != "fine" {
		t.Fatalf("plain value changed: %+v", out)
	}
	if _, isString := out["bad"].(string); !isString {
		t.Fatalf("unmarshalable value not stringified: %T", out["bad"])
	}
}
