package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feltcanvas/felt/internal/config"
	memstorage "github.com/feltcanvas/felt/internal/storage/memory"
	"github.com/feltcanvas/felt/pkg/core"
	"github.com/feltcanvas/felt/pkg/streaming"
)

// serverConn returns the relay side of a fresh WebSocket connection.
func serverConn(t *testing.T) *ws.Conn {
	t.Helper()
	conns := make(chan *ws.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		conns <- c
	}))
	t.Cleanup(ts.Close)

	client, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	c := <-conns
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func closed(p *peer) bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// newStalledPeer creates a peer whose write pump never runs.
func newStalledPeer(t *testing.T, s *Server, buffer int) *peer {
	t.Helper()
	return newPeer(serverConn(t), buffer, slog.Default(), func() { s.stats.kicked.Add(1) })
}

func newRoomServer(t *testing.T) *Server {
	t.Helper()
	backend := memstorage.New(config.MemoryConfig{})
	require.NoError(t, backend.Init())
	s, err := New(config.RelayConfig{}, backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(t.Context()) })
	return s
}

func TestPeer_TransientDroppedWhenFull(t *testing.T) {
	s := newRoomServer(t)
	p := newStalledPeer(t, s, 1)

	assert.True(t, p.enqueue([]byte("a"), false))
	assert.False(t, p.enqueue([]byte("b"), false))
	assert.False(t, closed(p))
	assert.Equal(t, uint64(0), s.stats.kicked.Load())
}

func TestPeer_DurableOverflowDisconnects(t *testing.T) {
	s := newRoomServer(t)
	p := newStalledPeer(t, s, 1)

	assert.True(t, p.enqueue([]byte("a"), true))
	assert.False(t, p.enqueue([]byte("b"), true))
	assert.True(t, closed(p))
	assert.Equal(t, uint64(1), s.stats.kicked.Load())

	// Closed peers accept nothing and are not kicked twice.
	assert.False(t, p.enqueue([]byte("c"), true))
	assert.Equal(t, uint64(1), s.stats.kicked.Load())
}

func TestRoom_SlowPeerIsDisconnectedOnSequencedWrite(t *testing.T) {
	s := newRoomServer(t)
	r, err := s.room("team")
	require.NoError(t, err)

	fast := newStalledPeer(t, s, 16)
	require.NoError(t, r.join(fast, core.Member{UserID: "alice"}))
	// The welcome fills the one-slot buffer.
	slow := newStalledPeer(t, s, 1)
	require.NoError(t, r.join(slow, core.Member{UserID: "bob"}))

	require.NoError(t, r.signal(fast, "drag", []byte(`{}`)))
	assert.False(t, closed(slow))
	assert.Equal(t, uint64(1), s.stats.signalsDropped.Load())

	require.NoError(t, r.submit(fast, 0, streaming.CreateOp(shape("s1", 1))))
	assert.True(t, closed(slow))
	assert.False(t, closed(fast))
	assert.Equal(t, uint64(1), s.stats.kicked.Load())
}

func TestRoom_LeaveIsIdempotent(t *testing.T) {
	s := newRoomServer(t)
	r, err := s.room("team")
	require.NoError(t, err)

	a := newStalledPeer(t, s, 16)
	require.NoError(t, r.join(a, core.Member{UserID: "alice"}))
	b := newStalledPeer(t, s, 16)
	require.NoError(t, r.join(b, core.Member{UserID: "bob"}))

	r.leave(b)
	r.leave(b)
	assert.Equal(t, 1, r.info().Members)

	// alice got welcome, member_joined and exactly one member_left.
	assert.Len(t, a.send, 3)
}

func TestValidate(t *testing.T) {
	good := shape("s1", 1)
	mismatched := streaming.CreateOp(good)
	mismatched.ID = "other"
	badKind := good
	badKind.Kind = "HEXAGON"

	tests := []struct {
		name    string
		op      streaming.Op
		wantErr bool
	}{
		{"create", streaming.CreateOp(good), false},
		{"create without shape", streaming.Op{Kind: streaming.OpCreate, ID: "s1"}, true},
		{"create id mismatch", mismatched, true},
		{"create bad kind", streaming.CreateOp(badKind), true},
		{"delete", streaming.DeleteOp("s1"), false},
		{"delete without id", streaming.DeleteOp(""), true},
		{"add user", streaming.AddUserOp("s1", "alice"), false},
		{"add user without user", streaming.AddUserOp("s1", ""), true},
		{"remove user without id", streaming.RemoveUserOp("", "alice"), true},
		{"duplicate users", streaming.Op{Kind: streaming.OpSet, ID: "s1", Field: core.FieldUsers, Value: json.RawMessage(`["a","a"]`)}, true},
		{"counter", streaming.CounterOp(1), true},
		{"unknown", streaming.Op{Kind: "merge"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.op)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
