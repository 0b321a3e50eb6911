package presence

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feltcanvas/felt/internal/substrate/memory"
	"github.com/feltcanvas/felt/pkg/core"
)

func TestAdd_Idempotent(t *testing.T) {
	users := Add(nil, "u1")
	users = Add(users, "u1")
	assert.Equal(t, []string{"u1"}, users)

	users = Add(users, "u2")
	assert.Equal(t, []string{"u1", "u2"}, users)
}

func TestAdd_DoesNotAliasInput(t *testing.T) {
	in := make([]string, 1, 4)
	in[0] = "u1"
	out := Add(in, "u2")
	out[0] = "changed"
	assert.Equal(t, "u1", in[0])
}

func TestRemove_RemovesAllOccurrences(t *testing.T) {
	assert.Equal(t, []string{"u2"}, Remove([]string{"u1", "u2", "u1"}, "u1"))
	assert.Equal(t, []string{"u2"}, Remove([]string{"u2"}, "u1"))
	assert.Empty(t, Remove([]string{"u1"}, "u1"))
}

func TestShouldShow(t *testing.T) {
	tests := []struct {
		name  string
		users []string
		want  bool
	}{
		{"empty", nil, false},
		{"only self", []string{"me"}, false},
		{"self twice", []string{"me", "me"}, false},
		{"other", []string{"them"}, true},
		{"self and other", []string{"me", "them"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldShow(tt.users, "me"))
		})
	}
}

func TestOthers(t *testing.T) {
	assert.Equal(t, 2, Others([]string{"me", "a", "b"}, "me"))
	assert.Equal(t, 0, Others(nil, "me"))
}

func newSession(t *testing.T) (*memory.Service, *memory.Client, *Tracker) {
	t.Helper()
	svc := memory.NewService()
	c, err := svc.Join(core.Member{UserID: "alice"}, nil)
	require.NoError(t, err)
	return svc, c, NewTracker(c.Shapes(), slog.Default())
}

func TestTracker_AddRemove(t *testing.T) {
	svc, c, tr := newSession(t)
	c.Shapes().Create(core.ShapeRecord{ID: "s1"})
	svc.Flush()

	tr.AddUser("s1", "alice")
	svc.Flush()
	tr.AddUser("s1", "alice")
	svc.Flush()

	rec, _ := c.Shapes().Get("s1")
	assert.Equal(t, []string{"alice"}, rec.Users)
	assert.True(t, tr.ShouldShowPresence("s1", "bob"))
	assert.False(t, tr.ShouldShowPresence("s1", "alice"))

	tr.RemoveUser("s1", "alice")
	svc.Flush()
	rec, _ = c.Shapes().Get("s1")
	assert.Empty(t, rec.Users)
	assert.False(t, tr.ShouldShowPresence("s1", "bob"))
}

func TestTracker_ConcurrentClaimsBothSurvive(t *testing.T) {
	svc, alice, aliceTr := newSession(t)
	bob, err := svc.Join(core.Member{UserID: "bob"}, nil)
	require.NoError(t, err)
	bobTr := NewTracker(bob.Shapes(), slog.Default())

	alice.Shapes().Create(core.ShapeRecord{ID: "s1"})
	svc.Flush()

	aliceTr.Claim("s1", "alice")
	bobTr.Claim("s1", "bob")
	svc.Flush()

	for _, c := range []*memory.Client{alice, bob} {
		rec, _ := c.Shapes().Get("s1")
		assert.Equal(t, []string{"alice", "bob"}, rec.Users)
	}

	aliceTr.Release("s1", "alice")
	bobTr.Claim("s1", "bob")
	svc.Flush()
	rec, _ := alice.Shapes().Get("s1")
	assert.Equal(t, []string{"bob"}, rec.Users)
}

func TestTracker_NoWriteWhenNothingChanges(t *testing.T) {
	svc, c, tr := newSession(t)
	c.Shapes().Create(core.ShapeRecord{ID: "s1"})
	svc.Flush()

	before := svc.Stats().Ops
	tr.RemoveUser("s1", "bob")
	tr.RemoveUser("missing", "bob")
	tr.AddUser("missing", "bob")
	assert.Equal(t, before, svc.Stats().Ops)
	assert.False(t, tr.ShouldShowPresence("missing", "alice"))
}

func TestTracker_SweepDepartedUser(t *testing.T) {
	svc, c, tr := newSession(t)
	c.Shapes().Create(core.ShapeRecord{ID: "s1", Users: []string{"bob", "carol"}})
	c.Shapes().Create(core.ShapeRecord{ID: "s2", Users: []string{"carol"}})
	c.Shapes().Create(core.ShapeRecord{ID: "s3", Users: []string{"bob"}})
	svc.Flush()

	assert.Equal(t, 2, tr.SweepDepartedUser("bob"))
	svc.Flush()

	for _, rec := range c.Shapes().All() {
		assert.NotContains(t, rec.Users, "bob", rec.ID)
	}
	rec, _ := c.Shapes().Get("s1")
	assert.Equal(t, []string{"carol"}, rec.Users)

	assert.Equal(t, 0, tr.SweepDepartedUser("bob"))
}
