package zrel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackOriginals(t *testing.T) {
	db := setupDB(t)
	seedUser(t, db, "alice")

	u, err := New[User]().SetDB(db).Where("name", "alice").First(t.Context())
	require.NoError(t, err)

	info := ParseModel[User]()
	assert.True(t, IsTracked(u))
	assert.False(t, IsDirty(u, "name", info))
	assert.Empty(t, GetDirty(u, info))

	u.Name = "alicia"
	assert.True(t, IsDirty(u, "name", info))
	assert.False(t, IsDirty(u, "email", info))
	assert.Equal(t, map[string]any{"name": "alicia"}, GetDirty(u, info))
	assert.Equal(t, "alice", GetOriginals(u)["name"])

	require.NoError(t, New[User]().SetDB(db).Save(t.Context(), u))
	assert.Empty(t, GetDirty(u, info))
	assert.Equal(t, "alicia", GetOriginals(u)["name"])
}

func TestDirty_Untracked(t *testing.T) {
	info := ParseModel[User]()
	u := &User{ID: 1, Name: "bob"}

	assert.False(t, IsTracked(u))
	assert.True(t, IsDirty(u, "name", info))
	assert.Len(t, GetDirty(u, info), 3)
	assert.Nil(t, GetOriginals(u))

	TrackOriginals(u, info)
	assert.True(t, IsTracked(u))
	ClearOriginals(u)
	assert.False(t, IsTracked(u))
}
