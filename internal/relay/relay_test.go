package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/storage"
	memstorage "github.com/feltcanvas/felt/internal/storage/memory"
	"github.com/feltcanvas/felt/internal/substrate"
	"github.com/feltcanvas/felt/internal/substrate/wsclient"
	"github.com/feltcanvas/felt/pkg/core"
	"github.com/feltcanvas/felt/pkg/streaming"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testRelay struct {
	srv     *Server
	http    *httptest.Server
	backend storage.Backend
}

func (tr *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(tr.http.URL, "http") + "/v1/ws"
}

func newTestRelay(t *testing.T, cfg config.RelayConfig, backend storage.Backend) *testRelay {
	t.Helper()
	if backend == nil {
		backend = memstorage.New(config.MemoryConfig{})
		require.NoError(t, backend.Init())
	}
	srv, err := New(cfg, backend, WithLogger(slog.Default()))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close(context.Background())
	})
	return &testRelay{srv: srv, http: ts, backend: backend}
}

func dial(t *testing.T, tr *testRelay, session, user string) *wsclient.Client {
	t.Helper()
	c, err := wsclient.Dial(context.Background(), wsclient.Config{
		URL:        tr.wsURL(),
		Secret:     tr.srv.cfg.Secret,
		Session:    session,
		Member:     core.Member{UserID: user, UserName: user},
		AckTimeout: waitFor,
	}, nil, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// rawConn is a protocol-level client for asserting on exact relay messages.
type rawConn struct {
	t    *testing.T
	conn *ws.Conn
}

func dialRaw(t *testing.T, tr *testRelay) *rawConn {
	t.Helper()
	conn, _, err := ws.DefaultDialer.Dial(tr.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawConn{t: t, conn: conn}
}

func (r *rawConn) send(msgType string, payload any) {
	r.t.Helper()
	data, err := streaming.Encode(msgType, payload)
	require.NoError(r.t, err)
	require.NoError(r.t, r.conn.WriteMessage(ws.TextMessage, data))
}

// next returns the next message of the given type, skipping others.
func (r *rawConn) next(msgType string) streaming.Envelope {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := r.conn.ReadMessage()
		require.NoError(r.t, err)
		var env streaming.Envelope
		require.NoError(r.t, json.Unmarshal(data, &env))
		if env.Type == msgType {
			return env
		}
	}
}

func (r *rawConn) join(session string, member core.Member) streaming.WelcomePayload {
	r.t.Helper()
	r.send(streaming.TypeJoin, streaming.JoinPayload{Session: session, Member: member})
	var w streaming.WelcomePayload
	require.NoError(r.t, streaming.Decode(r.next(streaming.TypeWelcome), &w))
	return w
}

func shape(id string, z int64) core.ShapeRecord {
	return core.ShapeRecord{
		ID:       id,
		Kind:     core.Circle,
		Color:    core.Red,
		Z:        z,
		Position: core.Position{X: 10, Y: 20},
		Users:    []string{},
	}
}

func TestRelay_WritesReachEveryClient(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := dial(t, tr, "team", "alice")
	b := dial(t, tr, "team", "bob")

	a.Shapes().Create(shape("s1", 1))
	require.Eventually(t, func() bool { return b.Shapes().Len() == 1 }, waitFor, tick)

	b.Shapes().Set("s1", core.FieldColor, core.Blue)
	for _, c := range []*wsclient.Client{a, b} {
		c := c
		require.Eventually(t, func() bool {
			rec, ok := c.Shapes().Get("s1")
			return ok && rec.Color == core.Blue
		}, waitFor, tick)
	}

	a.Shapes().Delete("s1")
	require.Eventually(t, func() bool { return a.Shapes().Len() == 0 && b.Shapes().Len() == 0 }, waitFor, tick)

	st := tr.srv.Stats()
	assert.Equal(t, uint64(3), st.Ops)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 2, st.Members)
}

func TestRelay_LocalFlagFollowsOrigin(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := dial(t, tr, "team", "alice")
	b := dial(t, tr, "team", "bob")

	var mu sync.Mutex
	var aChanges, bChanges []substrate.Change
	a.Shapes().OnChange(func(cs []substrate.Change) {
		mu.Lock()
		aChanges = append(aChanges, cs...)
		mu.Unlock()
	})
	b.Shapes().OnChange(func(cs []substrate.Change) {
		mu.Lock()
		bChanges = append(bChanges, cs...)
		mu.Unlock()
	})

	a.Shapes().Create(shape("s1", 1))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(aChanges) == 1 && len(bChanges) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, substrate.Change{Key: "s1", Kind: substrate.Inserted, Local: true}, aChanges[0])
	assert.Equal(t, substrate.Change{Key: "s1", Kind: substrate.Inserted, Local: false}, bChanges[0])
}

func TestRelay_LateJoinerIsWelcomedWithState(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := dial(t, tr, "team", "alice")
	a.Shapes().Create(shape("s1", 1))
	a.Shapes().Create(shape("s2", 2))
	require.Eventually(t, func() bool { return a.Shapes().Len() == 2 }, waitFor, tick)
	a.MaxZ().Increment()

	b := dial(t, tr, "team", "bob")
	assert.Equal(t, 2, b.Shapes().Len())
	assert.Equal(t, int64(1), b.MaxZ().Value())

	members := b.Audience().Members()
	require.Len(t, members, 2)
	assert.Equal(t, "bob", members[0].UserID)
	assert.Equal(t, "alice", members[1].UserID)

	require.Eventually(t, func() bool { return len(a.Audience().Members()) == 2 }, waitFor, tick)
}

func TestRelay_SessionsAreIsolated(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := dial(t, tr, "one", "alice")
	b := dial(t, tr, "two", "bob")

	a.Shapes().Create(shape("s1", 1))
	require.Eventually(t, func() bool { return a.Shapes().Len() == 1 }, waitFor, tick)
	assert.Equal(t, 0, b.Shapes().Len())
	assert.Len(t, b.Audience().Members(), 1)
}

func TestRelay_CounterValuesAreUnique(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := dial(t, tr, "team", "alice")
	b := dial(t, tr, "team", "bob")

	var mu sync.Mutex
	var values []int64
	var wg sync.WaitGroup
	for _, c := range []*wsclient.Client{a, b} {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(c *wsclient.Client) {
				defer wg.Done()
				v := c.MaxZ().Increment()
				mu.Lock()
				values = append(values, v)
				mu.Unlock()
			}(c)
		}
	}
	wg.Wait()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, values)
	require.Eventually(t, func() bool { return a.MaxZ().Value() == 10 && b.MaxZ().Value() == 10 }, waitFor, tick)
}

func TestRelay_SignalsReachEveryPeer(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := dial(t, tr, "team", "alice")
	b := dial(t, tr, "team", "bob")

	type got struct {
		from  string
		local bool
		body  string
	}
	var mu sync.Mutex
	var aGot, bGot []got
	a.Signals().OnSignal("drag", func(from string, local bool, payload []byte) {
		mu.Lock()
		aGot = append(aGot, got{from, local, string(payload)})
		mu.Unlock()
	})
	b.Signals().OnSignal("drag", func(from string, local bool, payload []byte) {
		mu.Lock()
		bGot = append(bGot, got{from, local, string(payload)})
		mu.Unlock()
	})

	a.Signals().Submit("drag", []byte(`{"id":"s1"}`))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(aGot) == 1 && len(bGot) == 1
	}, waitFor, tick)

	self := a.Audience().Myself().ClientID
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, got{self, true, `{"id":"s1"}`}, aGot[0])
	assert.Equal(t, got{self, false, `{"id":"s1"}`}, bGot[0])
	assert.Equal(t, 0, a.Shapes().Len())
	assert.Equal(t, uint64(1), tr.srv.Stats().Signals)
}

func TestRelay_CloseAnnouncesMemberLeft(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := dial(t, tr, "team", "alice")
	b := dial(t, tr, "team", "bob")
	require.Eventually(t, func() bool { return len(a.Audience().Members()) == 2 }, waitFor, tick)

	removed := make(chan core.Member, 1)
	a.Audience().OnMemberRemoved(func(m core.Member) { removed <- m })

	require.NoError(t, b.Close())
	select {
	case m := <-removed:
		assert.Equal(t, "bob", m.UserID)
	case <-time.After(waitFor):
		t.Fatal("member_left not delivered")
	}
	assert.Len(t, a.Audience().Members(), 1)
	require.Eventually(t, func() bool { return tr.srv.Stats().Members == 1 }, waitFor, tick)
}

func TestRelay_WriteToMissingShapeIsDropped(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	r := dialRaw(t, tr)
	r.join("team", core.Member{UserID: "alice"})
	other := dialRaw(t, tr)
	other.join("team", core.Member{UserID: "bob"})

	op, err := streaming.SetOp("ghost", core.FieldColor, core.Blue)
	require.NoError(t, err)
	r.send(streaming.TypeOp, streaming.OpRequest{ClientSeq: 1, Op: op})
	r.send(streaming.TypeOp, streaming.OpRequest{ClientSeq: 2, Op: streaming.CreateOp(shape("s1", 1))})

	// The origin learns the dropped write took seq 1.
	var p streaming.OpPayload
	require.NoError(t, streaming.Decode(r.next(streaming.TypeOp), &p))
	assert.Equal(t, "ghost", p.Op.ID)
	assert.Equal(t, uint64(1), p.Seq)
	assert.Equal(t, uint64(1), p.ClientSeq)
	require.NoError(t, streaming.Decode(r.next(streaming.TypeOp), &p))
	assert.Equal(t, "s1", p.Op.ID)
	assert.Equal(t, uint64(2), p.Seq)

	// Everyone else only sees the applied write.
	require.NoError(t, streaming.Decode(other.next(streaming.TypeOp), &p))
	assert.Equal(t, "s1", p.Op.ID)
	assert.Equal(t, uint64(2), p.Seq)
	assert.Equal(t, uint64(1), tr.srv.Stats().DroppedWrites)
}

func TestRelay_ReplayedWritesAreSequencedOnce(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	join := streaming.JoinPayload{Session: "team", Member: core.Member{UserID: "alice", ClientID: "c-1"}, Stream: "stream-1"}

	first := dialRaw(t, tr)
	first.send(streaming.TypeJoin, join)
	var w streaming.WelcomePayload
	require.NoError(t, streaming.Decode(first.next(streaming.TypeWelcome), &w))
	assert.Zero(t, w.Acked)

	first.send(streaming.TypeOp, streaming.OpRequest{ClientSeq: 1, Op: streaming.CreateOp(shape("s1", 1))})
	first.next(streaming.TypeOp)
	require.NoError(t, first.conn.Close())

	// A new socket on the same stream resends everything it has not seen
	// acknowledged.
	second := dialRaw(t, tr)
	second.send(streaming.TypeJoin, join)
	require.NoError(t, streaming.Decode(second.next(streaming.TypeWelcome), &w))
	assert.Equal(t, uint64(1), w.Acked)
	require.Len(t, w.Shapes, 1)

	second.send(streaming.TypeOp, streaming.OpRequest{ClientSeq: 1, Op: streaming.CreateOp(shape("s1", 1))})
	op, err := streaming.SetOp("s1", core.FieldColor, core.Blue)
	require.NoError(t, err)
	second.send(streaming.TypeOp, streaming.OpRequest{ClientSeq: 2, Op: op})

	var p streaming.OpPayload
	require.NoError(t, streaming.Decode(second.next(streaming.TypeOp), &p))
	assert.Equal(t, streaming.OpSet, p.Op.Kind)
	assert.Equal(t, uint64(2), p.ClientSeq)
	assert.Equal(t, uint64(2), p.Seq)
	assert.Equal(t, uint64(2), tr.srv.Stats().Ops)
}

func TestRelay_UserCanOnlyAddItself(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	r := dialRaw(t, tr)
	r.join("team", core.Member{UserID: "alice"})

	r.send(streaming.TypeOp, streaming.OpRequest{Op: streaming.CreateOp(shape("s1", 1))})
	r.next(streaming.TypeOp)

	r.send(streaming.TypeOp, streaming.OpRequest{Op: streaming.AddUserOp("s1", "mallory")})
	var e streaming.ErrorPayload
	require.NoError(t, streaming.Decode(r.next(streaming.TypeError), &e))
	assert.Contains(t, e.Message, "mallory")

	r.send(streaming.TypeOp, streaming.OpRequest{Op: streaming.AddUserOp("s1", "alice")})
	var p streaming.OpPayload
	require.NoError(t, streaming.Decode(r.next(streaming.TypeOp), &p))
	assert.Equal(t, streaming.OpAddUser, p.Op.Kind)
	assert.Equal(t, "alice", p.Op.User)
}

func TestRelay_InvalidMessagesAreRejected(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	r := dialRaw(t, tr)
	r.join("team", core.Member{UserID: "alice"})

	tests := []struct {
		name    string
		msgType string
		payload any
		want    string
	}{
		{"counter op", streaming.TypeOp, streaming.OpRequest{Op: streaming.CounterOp(5)}, "assigned by the relay"},
		{"bad color", streaming.TypeOp, streaming.OpRequest{Op: streaming.Op{Kind: streaming.OpSet, ID: "s1", Field: core.FieldColor, Value: json.RawMessage(`"TEAL"`)}}, "palette"},
		{"duplicate users", streaming.TypeOp, streaming.OpRequest{Op: streaming.Op{Kind: streaming.OpSet, ID: "s1", Field: core.FieldUsers, Value: json.RawMessage(`["a","a"]`)}}, "listed twice"},
		{"immutable field", streaming.TypeOp, streaming.OpRequest{Op: streaming.Op{Kind: streaming.OpSet, ID: "s1", Field: "kind", Value: json.RawMessage(`"CIRCLE"`)}}, "not writable"},
		{"signal without topic", streaming.TypeSignal, streaming.SignalPayload{Payload: json.RawMessage(`{}`)}, "topic"},
		{"second join", streaming.TypeJoin, streaming.JoinPayload{Session: "team"}, "already joined"},
		{"unknown type", "teleport", struct{}{}, "unknown message type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.send(tt.msgType, tt.payload)
			var e streaming.ErrorPayload
			require.NoError(t, streaming.Decode(r.next(streaming.TypeError), &e))
			assert.Equal(t, tt.msgType, e.For)
			assert.Contains(t, e.Message, tt.want)
		})
	}
	assert.Equal(t, uint64(len(tests)), tr.srv.Stats().Rejected)
	assert.Equal(t, uint64(0), tr.srv.Stats().Ops)
}

func TestRelay_FirstMessageMustBeJoin(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	r := dialRaw(t, tr)
	r.send(streaming.TypeSignal, streaming.SignalPayload{Topic: "drag", Payload: json.RawMessage(`{}`)})

	var e streaming.ErrorPayload
	require.NoError(t, streaming.Decode(r.next(streaming.TypeError), &e))
	assert.Equal(t, streaming.TypeJoin, e.For)

	_, _, err := r.conn.ReadMessage()
	assert.Error(t, err)
}

func TestRelay_JoinTimeout(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{JoinTimeout: 50 * time.Millisecond}, nil)
	r := dialRaw(t, tr)

	var e streaming.ErrorPayload
	require.NoError(t, streaming.Decode(r.next(streaming.TypeError), &e))
	assert.Contains(t, e.Message, "reading join")
}

func TestRelay_ClientIDIsKeptUnlessTaken(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)

	first := dialRaw(t, tr)
	w := first.join("team", core.Member{UserID: "alice", ClientID: "c-1"})
	assert.Equal(t, "c-1", w.ClientID)

	second := dialRaw(t, tr)
	w = second.join("team", core.Member{UserID: "alice", ClientID: "c-1"})
	assert.NotEqual(t, "c-1", w.ClientID)
	assert.NotEmpty(t, w.ClientID)

	third := dialRaw(t, tr)
	w = third.join("team", core.Member{})
	assert.NotEmpty(t, w.ClientID)
	assert.NotEmpty(t, w.Members[0].UserID)
}

func TestRelay_IncrementReplyCarriesRequestIDOnlyForOrigin(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := dialRaw(t, tr)
	a.join("team", core.Member{UserID: "alice"})
	b := dialRaw(t, tr)
	b.join("team", core.Member{UserID: "bob"})

	a.send(streaming.TypeIncrement, streaming.IncrementRequest{RequestID: "r-1"})

	var pa, pb streaming.OpPayload
	require.NoError(t, streaming.Decode(a.next(streaming.TypeOp), &pa))
	require.NoError(t, streaming.Decode(b.next(streaming.TypeOp), &pb))
	assert.Equal(t, "r-1", pa.RequestID)
	assert.Empty(t, pb.RequestID)
	assert.Equal(t, int64(1), pa.Op.Counter)
	assert.Equal(t, pa.Seq, pb.Seq)
}

func TestRelay_PersistsAndReloadsSessions(t *testing.T) {
	backend := memstorage.New(config.MemoryConfig{})
	require.NoError(t, backend.Init())

	tr := newTestRelay(t, config.RelayConfig{}, backend)
	a := dial(t, tr, "team", "alice")
	a.Shapes().Create(shape("s1", 1))
	a.Shapes().Create(shape("s2", 2))
	a.Shapes().Set("s1", core.FieldPosition, core.Position{X: 99, Y: 1})
	a.Shapes().Delete("s2")
	a.MaxZ().Increment()
	require.Eventually(t, func() bool { return tr.srv.Stats().Ops == 5 }, waitFor, tick)
	require.NoError(t, tr.srv.Sync(context.Background()))

	state, err := backend.LoadSession("team")
	require.NoError(t, err)
	require.Len(t, state.Shapes, 1)
	assert.Equal(t, core.Position{X: 99, Y: 1}, state.Shapes[0].Position)
	assert.Equal(t, int64(1), state.Counter)

	// A fresh relay over the same backend resumes the session.
	next := newTestRelay(t, config.RelayConfig{}, backend)
	b := dial(t, next, "team", "bob")
	rec, ok := b.Shapes().Get("s1")
	require.True(t, ok)
	assert.Equal(t, core.Position{X: 99, Y: 1}, rec.Position)
	assert.Equal(t, int64(1), b.MaxZ().Value())
	assert.Equal(t, int64(2), b.MaxZ().Increment())
}

func TestRelay_SecretIsRequired(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{Secret: "s3cret"}, nil)

	resp, err := http.Get(tr.http.URL + "/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, tr.http.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set(SecretHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, _, err = ws.DefaultDialer.Dial(tr.wsURL(), nil)
	assert.Error(t, err)

	// wsclient passes the secret as a query parameter.
	c := dial(t, tr, "team", "alice")
	assert.True(t, c.Connected())
}

func TestRelay_Healthz(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{Secret: "s3cret"}, nil)

	resp, err := http.Get(tr.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestRelay_SessionEndpoints(t *testing.T) {
	backend := memstorage.New(config.MemoryConfig{})
	require.NoError(t, backend.Init())
	require.NoError(t, backend.SaveCounter("archived", 7))

	tr := newTestRelay(t, config.RelayConfig{}, backend)
	a := dial(t, tr, "team", "alice")
	a.Shapes().Create(shape("s1", 1))
	require.Eventually(t, func() bool { return a.Shapes().Len() == 1 }, waitFor, tick)

	var sessions []SessionInfo
	require.Equal(t, http.StatusOK, getJSON(t, tr.http.URL+"/v1/sessions", &sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, SessionInfo{ID: "archived"}, sessions[0])
	assert.Equal(t, "team", sessions[1].ID)
	assert.True(t, sessions[1].Live)
	assert.Equal(t, 1, sessions[1].Members)
	assert.Equal(t, 1, sessions[1].Shapes)

	var live SessionDetail
	require.Equal(t, http.StatusOK, getJSON(t, tr.http.URL+"/v1/sessions/team", &live))
	require.Len(t, live.State.Shapes, 1)
	assert.Equal(t, "s1", live.State.Shapes[0].ID)
	require.Len(t, live.Roster, 1)
	assert.Equal(t, "alice", live.Roster[0].UserID)

	var stored SessionDetail
	require.Equal(t, http.StatusOK, getJSON(t, tr.http.URL+"/v1/sessions/archived", &stored))
	assert.False(t, stored.Live)
	assert.Equal(t, int64(7), stored.State.Counter)

	var st Stats
	require.Equal(t, http.StatusOK, getJSON(t, tr.http.URL+"/v1/status", &st))
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, uint64(1), st.Ops)
}

func TestRelay_ExportEndpoint(t *testing.T) {
	dir := t.TempDir()
	backend := memstorage.New(config.MemoryConfig{OutputDir: dir})
	require.NoError(t, backend.Init())

	tr := newTestRelay(t, config.RelayConfig{}, backend)
	a := dial(t, tr, "team", "alice")
	a.Shapes().Create(shape("s1", 1))
	require.Eventually(t, func() bool { return a.Shapes().Len() == 1 }, waitFor, tick)

	resp, err := http.Post(tr.http.URL+"/v1/sessions/team/export", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, strings.HasPrefix(body.Path, dir))
	_, err = os.Stat(body.Path)
	assert.NoError(t, err)
}

// plainBackend hides the memory backend's Export method.
type plainBackend struct{ storage.Backend }

func TestRelay_ExportUnsupported(t *testing.T) {
	inner := memstorage.New(config.MemoryConfig{})
	require.NoError(t, inner.Init())
	tr := newTestRelay(t, config.RelayConfig{}, plainBackend{inner})

	resp, err := http.Post(tr.http.URL+"/v1/sessions/team/export", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestRelay_CloseDisconnectsPeers(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	r := dialRaw(t, tr)
	r.join("team", core.Member{UserID: "alice"})

	require.NoError(t, tr.srv.Close(context.Background()))

	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		if _, _, err := r.conn.ReadMessage(); err != nil {
			break
		}
	}

	late := dialRaw(t, tr)
	late.send(streaming.TypeJoin, streaming.JoinPayload{Session: "team"})
	var e streaming.ErrorPayload
	require.NoError(t, streaming.Decode(late.next(streaming.TypeError), &e))
	assert.Contains(t, e.Message, ErrClosed.Error())
}
