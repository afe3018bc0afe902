package workspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeweave/nodeweave/internal/graph"
)

func testClock() func() time.Time {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore() *Store {
	return NewStore(nil, WithClock(testClock()))
}

func TestJoinCreatesWorkspaceLazily(t *testing.T) {
	store := newTestStore()
	assert.Equal(t, 0, store.Count())

	snap, becameOwner := store.Join("ws-alpha", "S1", "amy", "#ff0000")
	assert.True(t, becameOwner)
	assert.Equal(t, 1, store.Count())
	assert.Equal(t, "S1", snap.OwnerSessionID)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, "amy", snap.Members[0].Name)
}

func TestSecondJoinerIsNotOwner(t *testing.T) {
	store := newTestStore()
	store.Join("ws-alpha", "S1", "amy", "")
	snap, becameOwner := store.Join("ws-alpha", "S2", "bob", "")

	assert.False(t, becameOwner)
	assert.Equal(t, "S1", snap.OwnerSessionID)
	assert.Len(t, snap.Members, 2)
}

func TestJoinIsIdempotentPerSession(t *testing.T) {
	store := newTestStore()
	store.Join("ws-alpha", "S1", "amy", "")
	snap, _ := store.Join("ws-alpha", "S1", "amy", "")
	assert.Len(t, snap.Members, 1)
}

func TestPermissionGate(t *testing.T) {
	store := newTestStore()
	store.Join("ws-alpha", "S1", "amy", "")
	store.Join("ws-alpha", "S2", "bob", "")

	text := `{"a":1}`
	flags := UIFlags{IsFullScreen: true, EditorWidth: 400}
	delta := Delta{JSONText: &text, UIFlags: &flags}

	// Collaborator edits disabled: document field dropped, UI flags kept.
	accepted, ok := store.ApplyDelta("ws-alpha", "S2", delta)
	assert.True(t, ok)
	assert.Nil(t, accepted.JSONText)
	require.NotNil(t, accepted.UIFlags)
	assert.True(t, accepted.UIFlags.IsFullScreen)

	snap, _ := store.Get("ws-alpha")
	assert.Equal(t, "", snap.JSONText)
	assert.True(t, snap.UIFlags.IsFullScreen)

	// The owner can always edit.
	accepted, ok = store.ApplyDelta("ws-alpha", "S1", Delta{JSONText: &text})
	assert.True(t, ok)
	assert.NotNil(t, accepted.JSONText)

	// After the flip, the same collaborator delta is accepted in full.
	require.True(t, store.SetEditAccess("ws-alpha", "S1", true))
	accepted, ok = store.ApplyDelta("ws-alpha", "S2", delta)
	assert.True(t, ok)
	require.NotNil(t, accepted.JSONText)
	assert.Equal(t, text, *accepted.JSONText)
}

func TestGraphDeltaRequiresEditRights(t *testing.T) {
	store := newTestStore()
	store.Join("ws-alpha", "S1", "amy", "")
	store.Join("ws-alpha", "S2", "bob", "")

	g, err := graph.FromJSON(`{"a":1}`)
	require.NoError(t, err)

	accepted, ok := store.ApplyDelta("ws-alpha", "S2", Delta{Graph: g})
	assert.False(t, ok)
	assert.Nil(t, accepted.Graph)

	accepted, ok = store.ApplyDelta("ws-alpha", "S1", Delta{Graph: g})
	assert.True(t, ok)
	assert.NotNil(t, accepted.Graph)
}

func TestEditAccessFlipRequiresOwner(t *testing.T) {
	store := newTestStore()
	store.Join("ws-alpha", "S1", "amy", "")
	store.Join("ws-alpha", "S2", "bob", "")

	// Non-owner request is silently ignored.
	assert.False(t, store.SetEditAccess("ws-alpha", "S2", true))
	_, allow, ok := store.Permissions("ws-alpha")
	require.True(t, ok)
	assert.False(t, allow)
}

func TestOwnershipTransferOnLeave(t *testing.T) {
	store := newTestStore()
	store.Join("ws-alpha", "S1", "amy", "")
	store.Join("ws-alpha", "S2", "bob", "")
	store.Join("ws-alpha", "S3", "cal", "")

	result := store.Leave("ws-alpha", "S1")
	assert.True(t, result.Removed)
	assert.True(t, result.OwnerChanged)
	// Earliest-joined remaining member becomes owner.
	assert.Equal(t, "S2", result.OwnerSessionID)
	assert.Len(t, result.Members, 2)

	// A former collaborator who became owner can now edit regardless of
	// the collaborator flag.
	text := `{"b":2}`
	_, ok := store.ApplyDelta("ws-alpha", "S2", Delta{JSONText: &text})
	assert.True(t, ok)
}

func TestLastMemberLeaveClearsOwner(t *testing.T) {
	store := newTestStore()
	store.Join("ws-alpha", "S1", "amy", "")

	result := store.Leave("ws-alpha", "S1")
	assert.True(t, result.Removed)
	assert.Equal(t, "", result.OwnerSessionID)
	assert.Empty(t, result.Members)
}

func TestNonOwnerLeaveKeepsOwner(t *testing.T) {
	store := newTestStore()
	store.Join("ws-alpha", "S1", "amy", "")
	store.Join("ws-alpha", "S2", "bob", "")

	result := store.Leave("ws-alpha", "S2")
	assert.True(t, result.Removed)
	assert.False(t, result.OwnerChanged)
	assert.Equal(t, "S1", result.OwnerSessionID)
}

func TestLeaveUnknownWorkspaceOrSession(t *testing.T) {
	store := newTestStore()
	result := store.Leave("missing", "S1")
	assert.False(t, result.Removed)

	store.Join("ws-alpha", "S1", "amy", "")
	result = store.Leave("ws-alpha", "S9")
	assert.False(t, result.Removed)
	assert.Equal(t, "S1", result.OwnerSessionID)
}

func TestSetIdentityAndCursor(t *testing.T) {
	store := newTestStore()
	store.Join("ws-alpha", "S1", "", "")

	members, ok := store.SetIdentity("ws-alpha", "S1", "amy", "#00ff00")
	require.True(t, ok)
	require.Len(t, members, 1)
	assert.Equal(t, "amy", members[0].Name)
	assert.Equal(t, "#00ff00", members[0].Color)

	assert.True(t, store.SetCursor("ws-alpha", "S1", Cursor{X: 10, Y: 20}))
	snap, _ := store.Get("ws-alpha")
	require.NotNil(t, snap.Members[0].Cursor)
	assert.Equal(t, 10.0, snap.Members[0].Cursor.X)

	_, ok = store.SetIdentity("ws-alpha", "S9", "x", "")
	assert.False(t, ok)
	assert.False(t, store.SetCursor("missing", "S1", Cursor{}))
}

func TestDeltaAgainstUnknownWorkspace(t *testing.T) {
	store := newTestStore()
	text := `{}`
	_, ok := store.ApplyDelta("missing", "S1", Delta{JSONText: &text})
	assert.False(t, ok)
}
