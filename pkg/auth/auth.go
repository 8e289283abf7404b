// Package auth implements the kernel's authentication and RBAC surface:
// scrypt password hashing, a compact HMAC-signed session token, and a fixed
// role-to-permission mapping with a documented single-tenant bootstrap
// fall-through for deployments with no organization configured yet.
//
// Grounded on the cluster join token's random-token generation and
// in-memory validation map, generalized from a single-purpose join token
// (role + expiry) to a general session token carrying a signed,
// self-describing body instead of an opaque lookup key: the kernel has no
// single process holding an issuing map in memory, so the signature itself
// must carry the claims. Password hashing follows the pack-wide convention
// of never hand-rolling a digest: golang.org/x/crypto/scrypt with a random
// per-user salt.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
)

const (
	tokenTTL    = 24 * time.Hour
	scryptN     = 1 << 15
	scryptR     = 8
	scryptP     = 1
	scryptKeyLn = 32
	saltLen     = 16

	// DefaultAdminUsername and DefaultAdminPassword are installed on first
	// boot when no users exist yet. Operators are expected to rotate this
	// immediately.
	DefaultAdminUsername = "admin"
	DefaultAdminPassword = "admin"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{2,}$`)

// Manager issues and validates session tokens, hashes and verifies
// passwords, and answers RBAC permission checks.
type Manager struct {
	store            storage.Store
	bus              *eventbus.Bus
	secret           []byte
	registrationOpen bool
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithRegistrationOpen toggles self-registration (AETHER_REGISTRATION_OPEN).
func WithRegistrationOpen(open bool) Option {
	return func(m *Manager) { m.registrationOpen = open }
}

// New creates a Manager. secret signs issued tokens; if the caller has no
// AETHER_SECRET configured it should pass a randomly generated key, in
// which case tokens will not survive a restart.
func New(store storage.Store, bus *eventbus.Bus, secret []byte, opts ...Option) *Manager {
	m := &Manager{store: store, bus: bus, secret: secret, registrationOpen: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) emit(topic string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(types.Event{Topic: topic, Data: data})
}

// HashPassword salts and hashes password with scrypt, returning "salt:hash"
// hex-encoded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", kernelerr.Wrap(kernelerr.KindInternal, err, "generate salt")
	}
	hash, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLn)
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.KindInternal, err, "scrypt hash")
	}
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifyPassword checks password against a "salt:hash" hex string stored on
// a User, in constant time.
func VerifyPassword(stored, password string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLn)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// EnsureDefaultAdmin creates the built-in admin account if the store has no
// users at all. It returns true and the plaintext password if an account
// was created.
func (m *Manager) EnsureDefaultAdmin() (created bool, password string, err error) {
	users, err := m.store.ListUsers()
	if err != nil {
		return false, "", err
	}
	if len(users) > 0 {
		return false, "", nil
	}
	hash, err := HashPassword(DefaultAdminPassword)
	if err != nil {
		return false, "", err
	}
	admin := &types.User{
		ID:          fmt.Sprintf("user_%d", time.Now().UnixNano()),
		Username:    DefaultAdminUsername,
		DisplayName: "Administrator",
		PasswordHash: hash,
		Role:         types.SystemRoleAdmin,
		CreatedAt:    time.Now(),
	}
	if err := m.store.CreateUser(admin); err != nil {
		return false, "", err
	}
	log.Logger.Warn().
		Str("username", DefaultAdminUsername).
		Str("password", DefaultAdminPassword).
		Msg("created default admin account - rotate this password immediately")
	return true, DefaultAdminPassword, nil
}

// Register creates a new user account, rejecting the call if self-registration
// has been disabled (AETHER_REGISTRATION_OPEN=false) or the username is taken
// or malformed.
func (m *Manager) Register(username, password, displayName string) (*types.User, error) {
	if !m.registrationOpen {
		return nil, kernelerr.Permission("self-registration is disabled")
	}
	return m.createUser(username, password, displayName, types.SystemRoleUser)
}

// CreateUser creates a user with an explicit system role, bypassing the
// registration-open gate (used for admin-provisioned accounts).
func (m *Manager) CreateUser(username, password, displayName string, role types.SystemRole) (*types.User, error) {
	return m.createUser(username, password, displayName, role)
}

func (m *Manager) createUser(username, password, displayName string, role types.SystemRole) (*types.User, error) {
	if !usernameRe.MatchString(username) {
		return nil, kernelerr.Validation("username %q must be alphanumeric/-_ with length >= 2", username)
	}
	if _, err := m.store.GetUserByUsername(username); err == nil {
		return nil, kernelerr.Validation("username %q already exists", username)
	} else if kernelerr.KindOf(err) != kernelerr.KindNotFound {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &types.User{
		ID:           fmt.Sprintf("user_%d", time.Now().UnixNano()),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := m.store.CreateUser(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate verifies username/password and returns the matching user.
func (m *Manager) Authenticate(username, password string) (*types.User, error) {
	u, err := m.store.GetUserByUsername(username)
	if err != nil {
		return nil, kernelerr.Permission("invalid credentials")
	}
	if u.Disabled || !VerifyPassword(u.PasswordHash, password) {
		return nil, kernelerr.Permission("invalid credentials")
	}
	u.LastLoginAt = time.Now()
	_ = m.store.UpdateUser(u)
	return u, nil
}

// claims is the token body: header.body.signature, each segment base64url
// (no padding) encoded.
type claims struct {
	Sub      string `json:"sub"`
	Username string `json:"username"`
	Role     string `json:"role"`
	IssuedAt int64  `json:"iat"`
	ExpireAt int64  `json:"exp"`
}

var tokenHeader = mustB64(map[string]string{"alg": "HS256", "typ": "AETHER"})

func mustB64(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// IssueToken mints a compact header.body.signature token for user, valid for
// 24 hours.
func (m *Manager) IssueToken(user *types.User) (string, error) {
	now := time.Now()
	c := claims{
		Sub:      user.ID,
		Username: user.Username,
		Role:     string(user.Role),
		IssuedAt: now.Unix(),
		ExpireAt: now.Add(tokenTTL).Unix(),
	}
	body, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	bodyB64 := base64.RawURLEncoding.EncodeToString(body)
	signingInput := tokenHeader + "." + bodyB64
	sig := m.sign(signingInput)
	return signingInput + "." + sig, nil
}

func (m *Manager) sign(signingInput string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(signingInput))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateToken verifies a token's signature (constant-time), expiry, and
// that the subject user still exists, returning the associated user.
func (m *Manager) ValidateToken(token string) (*types.User, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, kernelerr.Permission("malformed token")
	}
	signingInput := parts[0] + "." + parts[1]
	wantSig := m.sign(signingInput)
	if subtle.ConstantTimeCompare([]byte(wantSig), []byte(parts[2])) != 1 {
		return nil, kernelerr.Permission("invalid token signature")
	}
	bodyRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, kernelerr.Permission("invalid token body")
	}
	var c claims
	if err := json.Unmarshal(bodyRaw, &c); err != nil {
		return nil, kernelerr.Permission("invalid token body")
	}
	if time.Now().Unix() > c.ExpireAt {
		return nil, kernelerr.Permission("token expired")
	}
	user, err := m.store.GetUser(c.Sub)
	if err != nil {
		return nil, kernelerr.Permission("token subject no longer exists")
	}
	if user.Disabled {
		return nil, kernelerr.Permission("user account disabled")
	}
	return user, nil
}
