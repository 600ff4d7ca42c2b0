package master

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/blockfs/internal/config"
	"github.com/ssd-technologies/blockfs/internal/mesh"
	"github.com/ssd-technologies/blockfs/internal/protocol"
	"github.com/ssd-technologies/blockfs/internal/ratelimit"
)

// testMaster starts a master on random ports with its metadata in a temp dir.
func testMaster(t *testing.T, backend string) *Master {
	t.Helper()
	cfg := config.DefaultMaster()
	cfg.Listen = "127.0.0.1:0"
	cfg.Admin = "127.0.0.1:0"
	cfg.Nodes = []string{"127.0.0.1:7001", "127.0.0.1:7002", "127.0.0.1:7003"}
	cfg.IOTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.Metadata = config.MetadataConfig{Backend: backend, Path: filepath.Join(t.TempDir(), "meta.db")}

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		m.Close()
	})
	return m
}

// send writes one command line and returns the raw JSON reply.
func send(t *testing.T, addr, line string) []byte {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(nc, "%s\n", line); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := bufio.NewReader(nc).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read reply to %q: %v", line, err)
	}
	return reply
}

func sendJSON(t *testing.T, addr, line string, v any) {
	t.Helper()
	if err := json.Unmarshal(send(t, addr, line), v); err != nil {
		t.Fatalf("decode reply to %q: %v", line, err)
	}
}

func TestServer_StoreRetrieveDelete(t *testing.T) {
	for _, backend := range []string{"json", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			m := testMaster(t, backend)

			var stored protocol.FileRecord
			sendJSON(t, m.Addr(), "STORE::notes.txt::3", &stored)
			if stored.FileID != "notes.txt" || len(stored.Blocks) != 3 {
				t.Fatalf("STORE reply = %+v", stored)
			}

			var got protocol.FileRecord
			sendJSON(t, m.Addr(), "RETRIEVE::notes.txt", &got)
			if len(got.Blocks) != 3 || got.Blocks[2].Primary != stored.Blocks[2].Primary {
				t.Fatalf("RETRIEVE reply = %+v", got)
			}

			var ns []string
			sendJSON(t, m.Addr(), "GET_FILE_NAMESPACE", &ns)
			if len(ns) != 1 || ns[0] != "notes.txt" {
				t.Fatalf("namespace = %v", ns)
			}

			sendJSON(t, m.Addr(), "DELETE::notes.txt", &got)
			if got.FileID != "notes.txt" {
				t.Fatalf("DELETE reply = %+v", got)
			}

			var e protocol.ErrorResponse
			sendJSON(t, m.Addr(), "RETRIEVE::notes.txt", &e)
			if e.Error != protocol.MsgFileNotFound {
				t.Fatalf("error = %q, want %q", e.Error, protocol.MsgFileNotFound)
			}
		})
	}
}

func TestServer_WireFieldNames(t *testing.T) {
	m := testMaster(t, "json")
	reply := string(send(t, m.Addr(), "STORE::f::1"))
	for _, field := range []string{`"fileID"`, `"blocks"`, `"blockID"`, `"primary"`, `"replica"`, `"host"`, `"port"`} {
		if !strings.Contains(reply, field) {
			t.Errorf("reply %s lacks %s", reply, field)
		}
	}
}

func TestServer_Errors(t *testing.T) {
	m := testMaster(t, "json")
	send(t, m.Addr(), "STORE::dup::1")

	tests := []struct {
		line string
		want string
	}{
		{"STORE::dup::1", protocol.MsgFileExists},
		{"STORE::x::-1", protocol.MsgInvalidRequest},
		{"STORE::x", protocol.MsgInvalidRequest},
		{"DELETE::missing", protocol.MsgFileNotFound},
		{"STORE_BLOCK::k", protocol.MsgInvalidRequest},
		{"BOGUS", protocol.MsgInvalidRequest},
	}
	for _, tt := range tests {
		var e protocol.ErrorResponse
		sendJSON(t, m.Addr(), tt.line, &e)
		if e.Error != tt.want {
			t.Errorf("%q -> %q, want %q", tt.line, e.Error, tt.want)
		}
	}
}

func TestServer_HugeBlockCount(t *testing.T) {
	m := testMaster(t, "json")

	for _, line := range []string{"STORE::big::9000000000000000000", "STORE::big::1048577"} {
		var e protocol.ErrorResponse
		sendJSON(t, m.Addr(), line, &e)
		if e.Error != protocol.MsgInvalidRequest {
			t.Fatalf("%q -> %q, want %q", line, e.Error, protocol.MsgInvalidRequest)
		}
	}

	// The master is still up and nothing was recorded.
	var ns []string
	sendJSON(t, m.Addr(), "GET_FILE_NAMESPACE", &ns)
	if len(ns) != 0 {
		t.Fatalf("namespace = %v, want empty", ns)
	}
}

func TestServer_HeartbeatAndStatus(t *testing.T) {
	m := testMaster(t, "json")

	var ack map[string]string
	sendJSON(t, m.Addr(), "HEARTBEAT::127.0.0.1::7009", &ack)
	if ack["status"] != "ok" {
		t.Fatalf("heartbeat ack = %v", ack)
	}

	var status map[string]bool
	sendJSON(t, m.Addr(), "GET_STORAGE_SERVERS_STATUS", &status)
	if len(status) != 4 || !status["127.0.0.1:7009"] {
		t.Fatalf("status = %v, want the three seeded nodes plus the new one", status)
	}
}

func TestServer_NoHealthyNodes(t *testing.T) {
	m := testMaster(t, "json")
	m.State.SweepHealth(time.Now().Add(time.Minute))

	var e protocol.ErrorResponse
	sendJSON(t, m.Addr(), "STORE::f::2", &e)
	if e.Error != protocol.MsgNoHealthyNodes {
		t.Fatalf("error = %q, want %q", e.Error, protocol.MsgNoHealthyNodes)
	}
	var ns []string
	sendJSON(t, m.Addr(), "GET_FILE_NAMESPACE", &ns)
	if len(ns) != 0 {
		t.Fatalf("namespace = %v, want empty", ns)
	}
}

func TestServer_SilentClient(t *testing.T) {
	m := testMaster(t, "json")
	nc, err := net.Dial("tcp", m.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	nc.Close()

	// The master keeps serving after a client that sent nothing.
	var ns []string
	sendJSON(t, m.Addr(), "GET_FILE_NAMESPACE", &ns)
}

func TestAdmin_Endpoints(t *testing.T) {
	m := testMaster(t, "json")
	send(t, m.Addr(), "STORE::photo.jpg::2")

	srv := httptest.NewServer(NewAdmin(m.State, m.Hub, nil))
	defer srv.Close()

	var health map[string]any
	getJSON(t, srv.URL+"/api/health", http.StatusOK, &health)
	if health["status"] != "ok" || health["files"] != float64(1) || health["nodes"] != float64(3) || health["replicas"] != float64(1) {
		t.Fatalf("health = %v", health)
	}

	var nodes []mesh.NodeHealth
	getJSON(t, srv.URL+"/api/nodes", http.StatusOK, &nodes)
	if len(nodes) != 3 || !nodes[0].Online {
		t.Fatalf("nodes = %+v", nodes)
	}

	var files []protocol.FileRecord
	getJSON(t, srv.URL+"/api/files", http.StatusOK, &files)
	if len(files) != 1 || files[0].FileID != "photo.jpg" {
		t.Fatalf("files = %+v", files)
	}

	var rec protocol.FileRecord
	getJSON(t, srv.URL+"/api/files/photo.jpg", http.StatusOK, &rec)
	if len(rec.Blocks) != 2 {
		t.Fatalf("file = %+v", rec)
	}

	var e protocol.ErrorResponse
	getJSON(t, srv.URL+"/api/files/nope", http.StatusNotFound, &e)
	if e.Error != protocol.MsgFileNotFound {
		t.Fatalf("error = %q", e.Error)
	}
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestAdmin_EventFeed(t *testing.T) {
	m := testMaster(t, "json")

	wsURL := "ws://" + m.AdminAddr() + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.Hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	m.State.SweepHealth(time.Now().Add(time.Minute))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev mesh.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != mesh.EventNodeOffline {
		t.Fatalf("event = %+v, want node_offline", ev)
	}

	// Drain the other offline events, then bring a node back.
	for i := 0; i < 2; i++ {
		conn.ReadJSON(&ev)
	}
	send(t, m.Addr(), "HEARTBEAT::127.0.0.1::7002")
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != mesh.EventNodeOnline || ev.Node != "127.0.0.1:7002" {
		t.Fatalf("event = %+v, want node_online for 7002", ev)
	}
}

func TestAdmin_RateLimited(t *testing.T) {
	m := testMaster(t, "json")
	srv := httptest.NewServer(NewAdmin(m.State, m.Hub, ratelimit.New(2, time.Minute)))
	defer srv.Close()

	for i := 0; i < 2; i++ {
		var health map[string]any
		getJSON(t, srv.URL+"/api/health", http.StatusOK, &health)
	}
	var e protocol.ErrorResponse
	getJSON(t, srv.URL+"/api/health", http.StatusTooManyRequests, &e)
	if e.Error == "" {
		t.Fatal("429 without an error message")
	}
}
