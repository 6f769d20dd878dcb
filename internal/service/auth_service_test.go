package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/workplane/platform/internal/models"
	"github.com/workplane/platform/internal/repository"
	appErrors "github.com/workplane/platform/pkg/errors"
)

type mockUserRepo struct {
	users            map[string]*models.User // by email
	lastLoginUpdated bool
	passwordUpdated  string
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if u, ok := m.users[email]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.lastLoginUpdated = true
	return nil
}

func (m *mockUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	m.passwordUpdated = passwordHash
	for _, u := range m.users {
		if u.ID == id {
			u.PasswordHash = passwordHash
		}
	}
	return nil
}

// mockTokenStore mirrors the Redis store semantics: a record map, a
// blacklist, and per-user indexes.
type mockTokenStore struct {
	refresh   map[string]*models.RefreshToken
	blacklist map[string]bool
	resets    map[string]*models.ResetToken
	userReset map[string]string
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{
		refresh:   make(map[string]*models.RefreshToken),
		blacklist: make(map[string]bool),
		resets:    make(map[string]*models.ResetToken),
		userReset: make(map[string]string),
	}
}

func (m *mockTokenStore) SaveRefresh(ctx context.Context, token *models.RefreshToken) error {
	m.refresh[token.ID] = token
	return nil
}

func (m *mockTokenStore) GetRefresh(ctx context.Context, id string) (*models.RefreshToken, error) {
	if m.blacklist[id] {
		return nil, repository.ErrTokenRevoked
	}
	t, ok := m.refresh[id]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	return t, nil
}

func (m *mockTokenStore) Rotate(ctx context.Context, token *models.RefreshToken) error {
	if m.blacklist[token.ID] {
		return repository.ErrTokenRevoked
	}
	if _, ok := m.refresh[token.ID]; !ok {
		return repository.ErrTokenNotFound
	}
	m.blacklist[token.ID] = true
	delete(m.refresh, token.ID)
	return nil
}

func (m *mockTokenStore) Revoke(ctx context.Context, id, userID string, expiresAt time.Time) error {
	m.blacklist[id] = true
	delete(m.refresh, id)
	return nil
}

func (m *mockTokenStore) RevokeAllForUser(ctx context.Context, userID string, maxLife time.Duration) error {
	for id, t := range m.refresh {
		if t.UserID == userID {
			m.blacklist[id] = true
			delete(m.refresh, id)
		}
	}
	return nil
}

func (m *mockTokenStore) SaveReset(ctx context.Context, token *models.ResetToken) error {
	if prev, ok := m.userReset[token.UserID]; ok {
		delete(m.resets, prev)
	}
	m.resets[token.ID] = token
	m.userReset[token.UserID] = token.ID
	return nil
}

func (m *mockTokenStore) GetReset(ctx context.Context, id string) (*models.ResetToken, error) {
	t, ok := m.resets[id]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	return t, nil
}

func (m *mockTokenStore) ConsumeReset(ctx context.Context, id, userID string) (*models.ResetToken, error) {
	t, ok := m.resets[id]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	delete(m.resets, id)
	delete(m.userReset, userID)
	return t, nil
}

type recordingNotifier struct {
	emails []string
	tokens []string
}

func (n *recordingNotifier) SendPasswordReset(ctx context.Context, email, token string) error {
	n.emails = append(n.emails, email)
	n.tokens = append(n.tokens, token)
	return nil
}

func newTestService(t *testing.T, users *mockUserRepo, tokens *mockTokenStore, notifier Notifier) *AuthService {
	t.Helper()
	return NewAuthService(users, tokens, notifier, validator.New(), zap.NewNop(), AuthConfig{
		AccessTokenSecret:  "secret",
		AccessTokenExpiry:  time.Hour,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		ResetTokenExpiry:   time.Hour,
		Issuer:             "test",
	})
}

func seedUser(t *testing.T, password string) (*mockUserRepo, *models.User) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{
		ID:           "u1",
		Email:        "user@example.com",
		PasswordHash: string(hash),
		FullName:     "Test User",
		Role:         models.RoleEmployee,
		Active:       true,
	}
	return &mockUserRepo{users: map[string]*models.User{user.Email: user}}, user
}

func TestLoginSuccess(t *testing.T) {
	users, user := seedUser(t, "password")
	tokens := newMockTokenStore()
	svc := newTestService(t, users, tokens, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "password"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, user.ID, res.User.ID)
	assert.True(t, users.lastLoginUpdated)
	assert.Len(t, tokens.refresh, 1)

	claims, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
}

func TestLoginUnknownEmailAndWrongPasswordLookAlike(t *testing.T) {
	users, user := seedUser(t, "password")
	svc := newTestService(t, users, newMockTokenStore(), nil)

	_, errUnknown := svc.Login(context.Background(), models.LoginRequest{Email: "nobody@example.com", Password: "password"})
	_, errWrong := svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "wrong"})

	require.Error(t, errUnknown)
	require.Error(t, errWrong)
	assert.Equal(t, appErrors.FromError(errUnknown).Code, appErrors.FromError(errWrong).Code)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(errUnknown).Code)
	assert.Equal(t, appErrors.FromError(errUnknown).Message, appErrors.FromError(errWrong).Message)
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	users, user := seedUser(t, "password")
	tokens := newMockTokenStore()
	svc := newTestService(t, users, tokens, nil)

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "password"})
	require.NoError(t, err)

	rotated, err := svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, rotated.RefreshToken)

	// presenting the rotated-out token is reuse, not mere expiry
	_, err = svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: login.RefreshToken})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenReuse.Code, appErrors.FromError(err).Code)

	// the replacement still works
	_, err = svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: rotated.RefreshToken})
	require.NoError(t, err)
}

func TestRefreshMalformedToken(t *testing.T) {
	users, _ := seedUser(t, "password")
	svc := newTestService(t, users, newMockTokenStore(), nil)

	for _, token := range []string{"garbage", "no-dot-here", "not-a-uuid.secret", "."} {
		_, err := svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: token})
		require.Error(t, err, token)
		assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code, token)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	users, user := seedUser(t, "password")
	tokens := newMockTokenStore()
	svc := newTestService(t, users, tokens, nil)

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "password"})
	require.NoError(t, err)

	for _, rec := range tokens.refresh {
		rec.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	}

	_, err = svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: login.RefreshToken})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestLogoutIsIdempotent(t *testing.T) {
	users, user := seedUser(t, "password")
	tokens := newMockTokenStore()
	svc := newTestService(t, users, tokens, nil)

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "password"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), models.LogoutRequest{RefreshToken: login.RefreshToken}))
	require.NoError(t, svc.Logout(context.Background(), models.LogoutRequest{RefreshToken: login.RefreshToken}))

	_, err = svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: login.RefreshToken})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenReuse.Code, appErrors.FromError(err).Code)
}

func TestForgotPasswordNeverRevealsAccounts(t *testing.T) {
	users, user := seedUser(t, "password")
	tokens := newMockTokenStore()
	notifier := &recordingNotifier{}
	svc := newTestService(t, users, tokens, notifier)

	require.NoError(t, svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: "nobody@example.com"}))
	assert.Empty(t, notifier.emails)
	assert.Empty(t, tokens.resets)

	require.NoError(t, svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: user.Email}))
	assert.Equal(t, []string{user.Email}, notifier.emails)
	assert.Len(t, tokens.resets, 1)
}

func TestForgotPasswordSupersedesPriorToken(t *testing.T) {
	users, user := seedUser(t, "password")
	tokens := newMockTokenStore()
	notifier := &recordingNotifier{}
	svc := newTestService(t, users, tokens, notifier)

	require.NoError(t, svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: user.Email}))
	require.NoError(t, svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: user.Email}))
	require.Len(t, notifier.tokens, 2)
	assert.Len(t, tokens.resets, 1)

	// the first token no longer works
	err := svc.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: notifier.tokens[0], NewPassword: "brand-new-pass"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)

	require.NoError(t, svc.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: notifier.tokens[1], NewPassword: "brand-new-pass"}))
}

func TestResetPasswordRevokesAllSessions(t *testing.T) {
	users, user := seedUser(t, "password")
	tokens := newMockTokenStore()
	notifier := &recordingNotifier{}
	svc := newTestService(t, users, tokens, notifier)

	first, err := svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "password"})
	require.NoError(t, err)
	second, err := svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "password"})
	require.NoError(t, err)

	require.NoError(t, svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: user.Email}))
	require.Len(t, notifier.tokens, 1)

	require.NoError(t, svc.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: notifier.tokens[0], NewPassword: "brand-new-pass"}))
	assert.NotEmpty(t, users.passwordUpdated)

	for _, refreshToken := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: refreshToken})
		require.Error(t, err)
		assert.Equal(t, appErrors.ErrTokenReuse.Code, appErrors.FromError(err).Code)
	}

	// new password works, old one does not
	_, err = svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "password"})
	require.Error(t, err)
	_, err = svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "brand-new-pass"})
	require.NoError(t, err)
}

func TestResetTokenIsSingleUse(t *testing.T) {
	users, user := seedUser(t, "password")
	tokens := newMockTokenStore()
	notifier := &recordingNotifier{}
	svc := newTestService(t, users, tokens, notifier)

	require.NoError(t, svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: user.Email}))
	require.Len(t, notifier.tokens, 1)
	token := notifier.tokens[0]

	require.NoError(t, svc.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: token, NewPassword: "brand-new-pass"}))

	err := svc.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: token, NewPassword: "another-pass-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	users, user := seedUser(t, "password")
	svc := newTestService(t, users, newMockTokenStore(), nil)
	svc.config.AccessTokenExpiry = -time.Minute

	token, err := svc.generateAccessToken(user)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}
