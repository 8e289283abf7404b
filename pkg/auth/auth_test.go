package auth

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, eventbus.New(), []byte("test-secret")), store
}

func TestHashPassword_VerifyRoundtrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, VerifyPassword(hash, "wrong password"))
}

func TestEnsureDefaultAdmin_OnlyOnce(t *testing.T) {
	m, _ := newTestManager(t)

	created, pw, err := m.EnsureDefaultAdmin()
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, DefaultAdminPassword, pw)

	created, _, err = m.EnsureDefaultAdmin()
	require.NoError(t, err)
	assert.False(t, created)
}

func TestRegister_RejectsWhenClosed(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	m := New(store, eventbus.New(), []byte("s"), WithRegistrationOpen(false))

	_, err = m.Register("newuser", "password123", "New User")
	require.Error(t, err)
}

func TestRegister_RejectsBadUsername(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Register("a", "password123", "Too Short")
	require.Error(t, err)
}

func TestAuthenticate_RoundtripAndFailure(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Register("alice", "sup3rsecret", "Alice")
	require.NoError(t, err)

	u, err := m.Authenticate("alice", "sup3rsecret")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = m.Authenticate("alice", "wrong")
	require.Error(t, err)
}

func TestToken_IssueAndValidate(t *testing.T) {
	m, _ := newTestManager(t)
	u, err := m.Register("bob", "password123", "Bob")
	require.NoError(t, err)

	tok, err := m.IssueToken(u)
	require.NoError(t, err)

	got, err := m.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestToken_RejectsTamperedSignature(t *testing.T) {
	m, _ := newTestManager(t)
	u, err := m.Register("carol", "password123", "Carol")
	require.NoError(t, err)

	tok, err := m.IssueToken(u)
	require.NoError(t, err)

	_, err = m.ValidateToken(tok[:len(tok)-4] + "abcd")
	require.Error(t, err)
}

func TestToken_RejectsExpired(t *testing.T) {
	m, _ := newTestManager(t)
	u, err := m.Register("dave", "password123", "Dave")
	require.NoError(t, err)

	c := claims{Sub: u.ID, Username: u.Username, Role: string(u.Role),
		IssuedAt: time.Now().Add(-48 * time.Hour).Unix(),
		ExpireAt: time.Now().Add(-24 * time.Hour).Unix(),
	}
	body, _ := json.Marshal(c)
	bodyB64 := base64.RawURLEncoding.EncodeToString(body)
	signingInput := tokenHeader + "." + bodyB64
	tok := signingInput + "." + m.sign(signingInput)

	_, err = m.ValidateToken(tok)
	require.Error(t, err)
}

func TestHasPermission_SystemAdminBypasses(t *testing.T) {
	m, store := newTestManager(t)
	admin := &types.User{ID: "u1", Username: "admin2", Role: types.SystemRoleAdmin}
	require.NoError(t, store.CreateUser(admin))

	ok, err := m.HasPermission("u1", PermOrgManage, "some-org")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasPermission_NoOrgsFallsThroughToFullAccess(t *testing.T) {
	m, store := newTestManager(t)
	user := &types.User{ID: "u2", Username: "regular", Role: types.SystemRoleUser}
	require.NoError(t, store.CreateUser(user))

	ok, err := m.HasPermission("u2", PermProcessSpawn, "")
	require.NoError(t, err)
	assert.True(t, ok, "single-tenant bootstrap: no orgs exist, so full access")
}

func TestHasPermission_OrgScopedChecksRole(t *testing.T) {
	m, store := newTestManager(t)
	user := &types.User{ID: "u3", Username: "viewer-user", Role: types.SystemRoleUser}
	require.NoError(t, store.CreateUser(user))
	require.NoError(t, store.CreateOrganization(&types.Organization{ID: "org1", Name: "org1"}))
	require.NoError(t, store.PutOrgMember(&types.OrgMember{OrgID: "org1", UserID: "u3", Role: types.OrgRoleViewer}))

	ok, err := m.HasPermission("u3", PermFSWrite, "org1")
	require.NoError(t, err)
	assert.False(t, ok, "viewers cannot write")

	ok, err = m.HasPermission("u3", PermFSRead, "org1")
	require.NoError(t, err)
	assert.True(t, ok)
}
