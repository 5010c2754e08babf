// Package auth owns user credentials and the explicit session lifecycle:
// a session is created by Login, carried by the caller, and ended by Logout.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/feed"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrForbidden          = errors.New("admin role required")
	ErrInvalidRole        = errors.New("role must be admin or staff")
)

const minPasswordLength = 6

type Session struct {
	ID        string
	UserID    string
	Email     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (s Session) IsAdmin() bool {
	return s.Role == domain.RoleAdmin
}

// RequireAdmin returns ErrForbidden unless the session belongs to an admin.
func (s Session) RequireAdmin() error {
	if !s.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

type Manager struct {
	mu       sync.Mutex
	secret   []byte
	tokenTTL time.Duration
	users    store.UserStore
	revoked  map[string]time.Time
	announce feed.Publisher
	now      func() time.Time
	log      logrus.FieldLogger
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email"`
}

func NewManager(secret string, tokenTTL time.Duration, users store.UserStore, log logrus.FieldLogger) *Manager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &Manager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		revoked:  make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.WithField("module", "auth"),
	}
}

// SignUp registers a staff account.
func (m *Manager) SignUp(ctx context.Context, email string, password string) (domain.User, error) {
	return m.createUser(ctx, email, password, domain.RoleStaff)
}

// EnsureAdmin creates an admin account when the user store is empty. It
// reports whether an account was created.
func (m *Manager) EnsureAdmin(ctx context.Context, email string, password string) (bool, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return false, nil
	}
	users, err := m.users.ListUsers(ctx)
	if err != nil {
		return false, err
	}
	if len(users) > 0 {
		return false, nil
	}
	if _, err := m.createUser(ctx, email, password, domain.RoleAdmin); err != nil {
		return false, err
	}
	m.log.WithField("email", normalizeEmail(email)).Info("seeded admin account")
	return true, nil
}

func (m *Manager) createUser(ctx context.Context, email string, password string, role string) (domain.User, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, ErrInvalidCredentials
	}
	if len(password) < minPasswordLength {
		return domain.User{}, ErrWeakPassword
	}
	hash, err := hashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	account := domain.UserAccount{
		ID:           xid.New("usr"),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    m.now(),
	}
	if err := m.users.CreateUser(ctx, account); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.User{}, ErrEmailTaken
		}
		return domain.User{}, err
	}
	return publicUser(account), nil
}

// Login verifies credentials and opens a session.
func (m *Manager) Login(ctx context.Context, email string, password string) (domain.LoginResponse, Session, error) {
	account, err := m.users.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return domain.LoginResponse{}, Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.LoginResponse{}, Session{}, err
	}
	if !verifyPassword(account.PasswordHash, password) {
		return domain.LoginResponse{}, Session{}, ErrInvalidCredentials
	}

	issuedAt := m.now()
	sess := Session{
		ID:        xid.New("ses"),
		UserID:    account.ID,
		Email:     account.Email,
		Role:      account.Role,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(m.tokenTTL),
	}
	token, err := m.sign(sess)
	if err != nil {
		return domain.LoginResponse{}, Session{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        sess.Role,
		ExpiresAt:   sess.ExpiresAt.Format(time.RFC3339),
	}, sess, nil
}

// Resolve turns a bearer token back into its session. The role is re-read
// from the user store so role changes apply to open sessions.
func (m *Manager) Resolve(ctx context.Context, token string) (Session, error) {
	claims := &sessionClaims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid || claims.ID == "" || claims.Subject == "" {
		return Session{}, ErrInvalidToken
	}
	if m.isRevoked(claims.ID) {
		return Session{}, ErrInvalidToken
	}

	account, err := m.users.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	sess := Session{ID: claims.ID, UserID: account.ID, Email: account.Email, Role: account.Role}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return sess, nil
}

// AnnounceRevocations makes Logout publish the ended session to p, so that
// other server processes sharing the feed stop accepting it too.
func (m *Manager) AnnounceRevocations(p feed.Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announce = p
}

// FollowRevocations applies sessions ended on other server processes. The
// token's expiry is not carried, so a remote revocation is kept for a full
// token lifetime.
func (m *Manager) FollowRevocations(hub *feed.Hub) (stop func()) {
	return hub.Follow(feed.CollectionSessions, func(changes []feed.Change) {
		until := m.now().Add(m.tokenTTL)
		for _, c := range changes {
			if c.Kind == feed.Removed && c.DocID != "" {
				m.revoke(c.DocID, until)
			}
		}
	})
}

// Logout invalidates the session until its natural expiry.
func (m *Manager) Logout(ctx context.Context, sess Session) {
	announce := m.revoke(sess.ID, sess.ExpiresAt)
	if announce != nil {
		announce.Publish(ctx, feed.Change{Collection: feed.CollectionSessions, Kind: feed.Removed, DocID: sess.ID})
	}
}

func (m *Manager) revoke(sessionID string, until time.Time) feed.Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, expiry := range m.revoked {
		if now.After(expiry) {
			delete(m.revoked, id)
		}
	}
	if until.IsZero() {
		until = now.Add(m.tokenTTL)
	}
	if existing, ok := m.revoked[sessionID]; !ok || until.After(existing) {
		m.revoked[sessionID] = until
	}
	return m.announce
}

func (m *Manager) isRevoked(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[sessionID]
	return ok
}

func (m *Manager) ChangePassword(ctx context.Context, sess Session, current string, next string) error {
	account, err := m.users.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if !verifyPassword(account.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	return m.setPassword(ctx, account.ID, next)
}

func (m *Manager) ListUsers(ctx context.Context, sess Session) ([]domain.User, error) {
	if err := sess.RequireAdmin(); err != nil {
		return nil, err
	}
	accounts, err := m.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(accounts))
	for _, account := range accounts {
		users = append(users, publicUser(account))
	}
	return users, nil
}

func (m *Manager) SetRole(ctx context.Context, sess Session, userID string, role string) error {
	if err := sess.RequireAdmin(); err != nil {
		return err
	}
	if role != domain.RoleAdmin && role != domain.RoleStaff {
		return ErrInvalidRole
	}
	if err := m.users.UpdateUserRole(ctx, userID, role); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"user_id": userID, "role": role, "actor": sess.UserID}).Info("user role changed")
	return nil
}

func (m *Manager) ResetPassword(ctx context.Context, sess Session, userID string, password string) error {
	if err := sess.RequireAdmin(); err != nil {
		return err
	}
	return m.setPassword(ctx, userID, password)
}

func (m *Manager) DeleteUser(ctx context.Context, sess Session, userID string) error {
	if err := sess.RequireAdmin(); err != nil {
		return err
	}
	if userID == sess.UserID {
		return fmt.Errorf("%w: cannot delete own account", ErrForbidden)
	}
	if err := m.users.DeleteUser(ctx, userID); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"user_id": userID, "actor": sess.UserID}).Info("user deleted")
	return nil
}

func (m *Manager) setPassword(ctx context.Context, userID string, password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return m.users.UpdateUserPassword(ctx, userID, hash)
}

func (m *Manager) sign(sess Session) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        sess.ID,
			Subject:   sess.UserID,
			IssuedAt:  jwtlib.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwtlib.NewNumericDate(sess.ExpiresAt),
			Issuer:    "tokoledger",
		},
		Role:  sess.Role,
		Email: sess.Email,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func publicUser(account domain.UserAccount) domain.User {
	return domain.User{ID: account.ID, Email: account.Email, Role: account.Role, CreatedAt: account.CreatedAt}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
