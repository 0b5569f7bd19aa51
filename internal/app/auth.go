/**
 * @description
 * This file contains the authentication business logic for the kiosk backend.
 * The `AuthService` struct implements the three-factor verification flow
 * (EGN + PIN + face), account registration, and session lifecycle.
 *
 * Key behaviors:
 * - Identity lookup failures, deactivated accounts and wrong PINs all surface
 *   as the same generic ErrInvalidCredentials so the API leaks nothing about
 *   which factor failed.
 * - The failed-attempt counter is incremented on any wrong factor. At the
 *   configured threshold the account is locked: every further attempt returns
 *   ErrAccountLocked, even with the correct PIN. The lock is derived from the
 *   counter and is distinct from the soft-delete active flag.
 * - Sessions are opaque random tokens; only the SHA-256 hash is persisted.
 *
 * @dependencies
 * - golang.org/x/crypto/bcrypt: PIN hashing and comparison.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/faceclient: The face verification sidecar.
 */

package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/config"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/store"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/pkg/faceclient"
)

var (
	// ErrInvalidCredentials covers every authentication failure the caller is
	// allowed to learn about: unknown EGN, wrong PIN, deactivated account.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned once the failed-attempt counter reaches
	// the configured threshold, for every attempt from then on.
	ErrAccountLocked = errors.New("account locked after too many failed attempts")
	// ErrFaceMismatch is returned when the captured frame does not match the
	// enrolled template.
	ErrFaceMismatch = errors.New("face verification failed")
	// ErrFaceUnavailable is returned under the strict policy when the face
	// service cannot be reached.
	ErrFaceUnavailable = errors.New("face verification service unavailable")
	// ErrIdentityTaken is returned on registration when the EGN or account
	// number is already registered.
	ErrIdentityTaken = errors.New("identity or account number already registered")
	// ErrSessionInvalid covers missing, expired and orphaned sessions.
	ErrSessionInvalid = errors.New("session invalid or expired")
)

const sessionTokenBytes = 32

// FaceVerifier is the face service surface used by the auth flow.
type FaceVerifier interface {
	Enroll(ctx context.Context, userID, imageB64 string) (*faceclient.EnrollResponse, error)
	Verify(ctx context.Context, userID, imageB64 string) (*faceclient.VerifyResponse, error)
	Delete(ctx context.Context, userID string) error
}

// AuthService provides registration, verification and session management.
type AuthService struct {
	repo             store.Repository
	face             FaceVerifier
	audit            *AuditRecorder
	loginLimiter     *RedisLoginRateLimiter
	facePolicy       string
	maxLoginAttempts int
	sessionTTL       time.Duration
}

// NewAuthService creates a new authentication service instance.
func NewAuthService(repo store.Repository, face FaceVerifier, audit *AuditRecorder, limiter *RedisLoginRateLimiter, cfg config.Config) *AuthService {
	return &AuthService{
		repo:             repo,
		face:             face,
		audit:            audit,
		loginLimiter:     limiter,
		facePolicy:       cfg.FaceFactorPolicy,
		maxLoginAttempts: cfg.MaxLoginAttempts,
		sessionTTL:       time.Duration(cfg.SessionTTLMinutes) * time.Minute,
	}
}

// Register creates a new user account and optionally enrolls a face template.
func (s *AuthService) Register(ctx context.Context, req domain.RegisterRequest) (*domain.User, error) {
	if err := domain.ValidateEGN(req.IdentityNumber); err != nil {
		return nil, err
	}
	if err := domain.ValidateIBAN(req.AccountNumber); err != nil {
		return nil, err
	}
	if len(req.PIN) < 4 || len(req.PIN) > 8 {
		return nil, fmt.Errorf("%w: pin must be 4 to 8 digits", ErrValidation)
	}
	for _, r := range req.PIN {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: pin must be 4 to 8 digits", ErrValidation)
		}
	}
	if strings.TrimSpace(req.FullName) == "" {
		return nil, fmt.Errorf("%w: full name is required", ErrValidation)
	}

	pinHash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash pin: %w", err)
	}

	user := &domain.User{
		ID:             uuid.New(),
		IdentityNumber: req.IdentityNumber,
		FullName:       req.FullName,
		PINHash:        string(pinHash),
		AccountNumber:  domain.NormalizeIBAN(req.AccountNumber),
		Balance:        0,
		Active:         true,
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			s.audit.Record(ctx, nil, "user_register", "user", req.IdentityNumber, domain.AuditOutcomeFailure, nil, ErrIdentityTaken)
			return nil, ErrIdentityTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if req.FaceImage != nil && *req.FaceImage != "" && s.face != nil {
		enrolled, err := s.face.Enroll(ctx, user.ID.String(), *req.FaceImage)
		if err != nil {
			// Registration stands; the face factor simply stays unenrolled.
			log.Printf("level=warn component=auth msg=\"face enrollment failed at registration\" user_id=%s err=%v", user.ID, err)
		} else if err := s.repo.SetFaceTemplateRef(ctx, user.ID, enrolled.TemplateRef); err != nil {
			log.Printf("level=error component=auth msg=\"failed to store face template ref\" user_id=%s err=%v", user.ID, err)
		} else {
			user.FaceTemplateRef = &enrolled.TemplateRef
		}
	}

	s.audit.Record(ctx, &user.ID, "user_register", "user", user.ID.String(), domain.AuditOutcomeSuccess, map[string]interface{}{
		"identity_number": req.IdentityNumber,
		"face_enrolled":   user.FaceTemplateRef != nil,
	}, nil)
	return user, nil
}

// Verify runs the three-factor login flow and mints a session on success.
func (s *AuthService) Verify(ctx context.Context, req domain.LoginRequest) (*domain.LoginResult, error) {
	if s.loginLimiter != nil {
		allowed, retryAfter, err := s.loginLimiter.Allow(ctx, req.IdentityNumber)
		if err != nil {
			log.Printf("level=warn component=auth msg=\"login rate limiter unavailable; allowing attempt\" err=%v", err)
		} else if !allowed {
			return nil, fmt.Errorf("%w: retry after %ds", ErrInvalidCredentials, retryAfter)
		}
	}

	user, err := s.repo.FindUserByIdentityNumber(ctx, req.IdentityNumber)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			s.audit.Record(ctx, nil, "login_attempt", "user", req.IdentityNumber, domain.AuditOutcomeFailure, map[string]interface{}{"reason": "unknown_identity"}, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if !user.Active {
		s.audit.Record(ctx, &user.ID, "login_attempt", "user", user.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{"reason": "account_deactivated"}, nil)
		return nil, ErrInvalidCredentials
	}

	// A locked account rejects every attempt, correct PIN included. The lock
	// holds until staff clears the counter.
	if user.FailedAttempts >= s.maxLoginAttempts {
		s.audit.Record(ctx, &user.ID, "login_attempt", "user", user.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{"reason": "account_locked"}, nil)
		return nil, ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PINHash), []byte(req.PIN)); err != nil {
		return nil, s.registerFailedFactor(ctx, user, "wrong_pin")
	}

	// The face factor runs only when the kiosk captured a frame; an enrolled
	// user without one authenticates on EGN+PIN alone.
	if user.FaceTemplateRef != nil && req.FaceImage != nil && *req.FaceImage != "" {
		verdict, err := s.face.Verify(ctx, user.ID.String(), *req.FaceImage)
		switch {
		case err == nil && verdict.Verified:
			// Face factor passed.
		case err == nil && !verdict.Verified:
			failErr := s.registerFailedFactor(ctx, user, "face_mismatch")
			if errors.Is(failErr, ErrInvalidCredentials) {
				return nil, fmt.Errorf("%w: confidence %.2f", ErrFaceMismatch, verdict.Confidence)
			}
			return nil, failErr
		case errors.Is(err, faceclient.ErrNotEnrolled):
			// Template ref exists locally but the service lost it. Treat as
			// unreachable rather than a mismatch.
			fallthrough
		default:
			if s.facePolicy == config.FaceFactorStrict {
				s.audit.Record(ctx, &user.ID, "login_attempt", "user", user.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{"reason": "face_service_unavailable"}, err)
				return nil, ErrFaceUnavailable
			}
			log.Printf("level=warn component=auth msg=\"face service unavailable; degrading to two factors\" user_id=%s err=%v", user.ID, err)
			s.audit.Record(ctx, &user.ID, "login_degraded", "user", user.ID.String(), domain.AuditOutcomeSuccess, map[string]interface{}{"reason": "face_service_unavailable"}, err)
		}
	}

	now := time.Now()
	if err := s.repo.ResetLoginFailureState(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("failed to reset login state: %w", err)
	}

	token, session, err := s.mintSession(user.ID, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.audit.Record(ctx, &user.ID, "login_attempt", "user", user.ID.String(), domain.AuditOutcomeSuccess, map[string]interface{}{
		"session_id":  session.ID.String(),
		"face_factor": user.FaceTemplateRef != nil,
	}, nil)

	return &domain.LoginResult{
		Token: token,
		User: domain.UserSummary{
			ID:            user.ID,
			FullName:      user.FullName,
			AccountNumber: user.AccountNumber,
			Balance:       user.Balance,
		},
	}, nil
}

// registerFailedFactor increments the failure counter and returns the error
// the caller should surface. The account locks at the threshold; the active
// flag is untouched, so the lock never masquerades as a deleted account.
func (s *AuthService) registerFailedFactor(ctx context.Context, user *domain.User, reason string) error {
	attempts, err := s.repo.RecordFailedLoginAttempt(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}

	if attempts >= s.maxLoginAttempts {
		s.audit.Record(ctx, &user.ID, "account_locked", "user", user.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{
			"reason":   reason,
			"attempts": attempts,
		}, nil)
		return ErrAccountLocked
	}

	s.audit.Record(ctx, &user.ID, "login_attempt", "user", user.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{
		"reason":   reason,
		"attempts": attempts,
	}, nil)
	return ErrInvalidCredentials
}

func (s *AuthService) mintSession(userID uuid.UUID, now time.Time) (string, *domain.Session, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	token := hex.EncodeToString(raw)

	session := &domain.Session{
		ID:             uuid.New(),
		UserID:         userID,
		TokenHash:      hashToken(token),
		ExpiresAt:      now.Add(s.sessionTTL),
		LastActivityAt: now,
		CreatedAt:      now,
	}
	return token, session, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifySession resolves a bearer token to its user. Expired sessions and
// sessions of deactivated users are rejected; successful lookups refresh the
// last-activity timestamp.
func (s *AuthService) VerifySession(ctx context.Context, token string) (*domain.UserContext, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	session, err := s.repo.FindSessionByTokenHash(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	now := time.Now()
	if session.Expired(now) {
		return nil, ErrSessionInvalid
	}

	user, err := s.repo.FindUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to look up session user: %w", err)
	}
	if !user.Active || user.FailedAttempts >= s.maxLoginAttempts {
		return nil, ErrSessionInvalid
	}

	if err := s.repo.TouchSession(ctx, session.ID, now); err != nil {
		log.Printf("level=warn component=auth msg=\"failed to refresh session activity\" session_id=%s err=%v", session.ID, err)
	}

	return &domain.UserContext{UserID: user.ID, FullName: user.FullName}, nil
}

// Logout removes every session for the user. Calling it twice is a no-op.
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.DeleteSessionsByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	s.audit.Record(ctx, &userID, "logout", "user", userID.String(), domain.AuditOutcomeSuccess, nil, nil)
	return nil
}
