package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/workplane/platform/internal/models"
	"github.com/workplane/platform/internal/repository"
	appErrors "github.com/workplane/platform/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
}

type tokenStore interface {
	SaveRefresh(ctx context.Context, token *models.RefreshToken) error
	GetRefresh(ctx context.Context, id string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, token *models.RefreshToken) error
	Revoke(ctx context.Context, id, userID string, expiresAt time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, maxLife time.Duration) error
	SaveReset(ctx context.Context, token *models.ResetToken) error
	GetReset(ctx context.Context, id string) (*models.ResetToken, error)
	ConsumeReset(ctx context.Context, id, userID string) (*models.ResetToken, error)
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	AccessTokenSecret  string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	ResetTokenExpiry   time.Duration
	Issuer             string
}

// AuthService owns the token lifecycle: issuance, rotation, revocation and
// the password-reset state machine.
type AuthService struct {
	users     authUserRepository
	tokens    tokenStore
	notifier  Notifier
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig

	// compared against when the email is unknown, so lookup misses cost
	// the same as a password mismatch
	dummyHash []byte
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, tokens tokenStore, notifier Notifier, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	return &AuthService{
		users:     users,
		tokens:    tokens,
		notifier:  notifier,
		validator: validate,
		logger:    logger,
		config:    config,
		dummyHash: dummy,
	}
}

// Login authenticates a user and returns a fresh token pair.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// burn a hash comparison so unknown emails are not
			// distinguishable by latency
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	accessToken, err := s.generateAccessToken(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshValue, record, err := s.mintRefreshToken(user.ID, req.IP, req.UserAgent)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}
	if err := s.tokens.SaveRefresh(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	return &models.LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshValue,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:     time.Now().UTC(),
		User: models.UserInfo{
			ID:       user.ID,
			Email:    user.Email,
			FullName: user.FullName,
			Role:     user.Role,
		},
	}, nil
}

// Refresh rotates a refresh token: the presented token is retired and a new
// pair is issued. Presenting a rotated-out token is reported as reuse.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.RefreshResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	id, secret, err := splitToken(req.RefreshToken)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	}

	stored, err := s.tokens.GetRefresh(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTokenRevoked) {
			s.logger.Warn("refresh token reuse detected",
				zap.String("token_id", id),
				zap.String("ip", req.IP),
				zap.String("user_agent", req.UserAgent))
			return nil, appErrors.Clone(appErrors.ErrTokenReuse, "")
		}
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}

	if !verifySecret(stored.SecretHash, secret) || time.Now().UTC().After(stored.ExpiresAt) {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	}

	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	}

	// Atomic check-and-retire: of N concurrent rotations of the same id,
	// exactly one passes this point.
	if err := s.tokens.Rotate(ctx, stored); err != nil {
		if errors.Is(err, repository.ErrTokenRevoked) {
			s.logger.Warn("refresh token reuse detected during rotation",
				zap.String("token_id", id),
				zap.String("ip", req.IP))
			return nil, appErrors.Clone(appErrors.ErrTokenReuse, "")
		}
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
	}

	accessToken, err := s.generateAccessToken(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate access token")
	}

	refreshValue, record, err := s.mintRefreshToken(user.ID, req.IP, req.UserAgent)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}
	if err := s.tokens.SaveRefresh(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	return &models.RefreshResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshValue,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:     time.Now().UTC(),
	}, nil
}

// Logout revokes the presented refresh token. Idempotent: revoking a token
// that is already revoked or unknown succeeds as a no-op.
func (s *AuthService) Logout(ctx context.Context, req models.LogoutRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "refresh token required")
	}

	id, secret, err := splitToken(req.RefreshToken)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "malformed refresh token")
	}

	stored, err := s.tokens.GetRefresh(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTokenRevoked) || errors.Is(err, repository.ErrTokenNotFound) {
			return nil
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}

	if !verifySecret(stored.SecretHash, secret) {
		return appErrors.Clone(appErrors.ErrValidation, "malformed refresh token")
	}

	if err := s.tokens.Revoke(ctx, stored.ID, stored.UserID, stored.ExpiresAt); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	return nil
}

// ForgotPassword initiates the reset flow. The response never reveals
// whether the email exists; delivery happens off the request path.
func (s *AuthService) ForgotPassword(ctx context.Context, req models.ForgotPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid forgot password payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		s.logger.Error("failed to look up account for password reset", zap.Error(err))
		return nil
	}

	secret, err := generateSecret()
	if err != nil {
		s.logger.Error("failed to generate reset token", zap.Error(err))
		return nil
	}

	token := &models.ResetToken{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		SecretHash: hashSecret(secret),
		IssuedAt:   time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(s.config.ResetTokenExpiry),
	}

	if err := s.tokens.SaveReset(ctx, token); err != nil {
		s.logger.Error("failed to persist reset token", zap.String("user_id", user.ID), zap.Error(err))
		return nil
	}

	if err := s.notifier.SendPasswordReset(ctx, user.Email, token.ID+"."+secret); err != nil {
		s.logger.Warn("failed to dispatch reset notification", zap.String("user_id", user.ID), zap.Error(err))
	}
	return nil
}

// ResetPassword consumes a reset token, replaces the password hash and
// revokes every outstanding session for the subject.
func (s *AuthService) ResetPassword(ctx context.Context, req models.ResetPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reset password payload")
	}

	id, secret, err := splitToken(req.Token)
	if err != nil {
		return appErrors.Clone(appErrors.ErrInvalidToken, "invalid or expired reset token")
	}

	stored, err := s.tokens.GetReset(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return appErrors.Clone(appErrors.ErrInvalidToken, "invalid or expired reset token")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reset token")
	}

	if !verifySecret(stored.SecretHash, secret) || time.Now().UTC().After(stored.ExpiresAt) {
		return appErrors.Clone(appErrors.ErrInvalidToken, "invalid or expired reset token")
	}

	// Single use: the consume is atomic, a concurrent reset with the same
	// token loses here.
	if _, err := s.tokens.ConsumeReset(ctx, stored.ID, stored.UserID); err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return appErrors.Clone(appErrors.ErrInvalidToken, "invalid or expired reset token")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to consume reset token")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.users.UpdatePassword(ctx, stored.UserID, string(newHash), time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	// A password reset invalidates existing sessions everywhere.
	if err := s.tokens.RevokeAllForUser(ctx, stored.UserID, s.config.RefreshTokenExpiry); err != nil {
		s.logger.Error("failed to revoke sessions after password reset", zap.String("user_id", stored.UserID), zap.Error(err))
	}

	return nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.AccessTokenSecret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidToken.Code, appErrors.ErrInvalidToken.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "invalid token claims")
	}

	return claims, nil
}

func (s *AuthService) generateAccessToken(user *models.User) (string, error) {
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(s.config.AccessTokenExpiry)
	claims := &models.JWTClaims{
		UserID:   user.ID,
		Role:     user.Role,
		Email:    user.Email,
		FullName: user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.AccessTokenSecret))
}

// mintRefreshToken creates the client-facing value "<id>.<secret>" and the
// record to persist. Only a digest of the secret is stored.
func (s *AuthService) mintRefreshToken(userID, ip, userAgent string) (string, *models.RefreshToken, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	record := &models.RefreshToken{
		ID:         uuid.NewString(),
		UserID:     userID,
		SecretHash: hashSecret(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.config.RefreshTokenExpiry),
		IPAddress:  ip,
		UserAgent:  userAgent,
	}
	return record.ID + "." + secret, record, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func verifySecret(storedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(hex.EncodeToString(sum[:]))) == 1
}

func splitToken(value string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(value, ".")
	if !ok || id == "" || secret == "" {
		return "", "", errors.New("malformed token")
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", "", errors.New("malformed token id")
	}
	return id, secret, nil
}
