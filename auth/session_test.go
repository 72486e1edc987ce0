package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/values"
)

func TestCheckLevelRootCoversEverything(t *testing.T) {
	s := &Session{NS: "n", DB: "d", Auth: &Auth{Level: LevelRoot}}
	require.NoError(t, CheckLevel(s, LevelDatabase, "n", "d"))
	require.NoError(t, CheckLevel(s, LevelNamespace, "other", "x"))
}

func TestCheckLevelNamespaceDoesNotCoverOtherNamespace(t *testing.T) {
	s := &Session{Auth: &Auth{Level: LevelNamespace, NS: "n"}}
	require.NoError(t, CheckLevel(s, LevelDatabase, "n", "d"))
	err := CheckLevel(s, LevelDatabase, "other", "d")
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindPermissionDenied))
}

func TestCheckLevelDatabaseRequiresExactScope(t *testing.T) {
	s := &Session{Auth: &Auth{Level: LevelDatabase, NS: "n", DB: "d"}}
	require.NoError(t, CheckLevel(s, LevelRecord, "n", "d"))
	err := CheckLevel(s, LevelDatabase, "n", "other")
	require.Error(t, err)
}

func TestCheckLevelRecordRequiresRecordLevel(t *testing.T) {
	s := &Session{Auth: &Auth{Level: LevelRecord, NS: "n", DB: "d"}}
	require.NoError(t, CheckLevel(s, LevelRecord, "n", "d"))
	err := CheckLevel(s, LevelDatabase, "n", "d")
	require.Error(t, err)
}

func TestCheckLevelNoAuthDenied(t *testing.T) {
	err := CheckLevel(nil, LevelRoot, "n", "d")
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindPermissionDenied))
}

func TestCheckRoleRequiresMembership(t *testing.T) {
	s := &Session{Auth: &Auth{Roles: []Role{RoleEditor}}}
	require.NoError(t, CheckRole(s, RoleOwner, RoleEditor))
	err := CheckRole(s, RoleOwner)
	require.Error(t, err)
}

func TestAuthBindProducesAuthObject(t *testing.T) {
	a := &Auth{Level: LevelDatabase, NS: "n", DB: "d", Roles: []Role{RoleViewer}}
	bound := a.Bind()
	lvl, ok := bound.Pick(values.ParseIdiom("level"))
	require.True(t, ok)
	s, _ := lvl.AsString()
	assert.Equal(t, "database", s)
}
