package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"chatterbox/internal/cache"
	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/repository"
	"chatterbox/internal/validation"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// ErrRealtimeUnavailable is returned when websocket tickets cannot be issued
// because no Redis client is configured.
var ErrRealtimeUnavailable = &models.AppError{Code: models.CodeInternal, Message: "Realtime tickets are unavailable"}

// AuthResult is returned on signup and login.
type AuthResult struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// SignupInput carries a new account.
type SignupInput struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ProfileUpdate changes profile fields. nil leaves a field as is.
type ProfileUpdate struct {
	FullName *string `json:"full_name"`
	Bio      *string `json:"bio"`
	Avatar   *string `json:"avatar"`
}

// UserService handles accounts, sessions and profiles.
type UserService struct {
	store    *repository.Store
	redis    *redis.Client
	secret   string
	tokenTTL time.Duration
}

// NewUserService creates a UserService signing tokens with secret. rdb may be
// nil; logout revocation and websocket tickets are then unavailable.
func NewUserService(store *repository.Store, rdb *redis.Client, secret string) *UserService {
	return &UserService{store: store, redis: rdb, secret: secret, tokenTTL: middleware.AccessTokenTTL}
}

// Signup creates an account with default preferences and signs it in.
func (s *UserService) Signup(ctx context.Context, in SignupInput) (*AuthResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)

	if in.Username == "" || in.Email == "" || in.Password == "" {
		return nil, models.NewValidationError("Username, email, and password are required")
	}
	if err := validation.ValidateUsername(in.Username); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if err := validation.ValidateEmail(in.Email); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if err := validation.ValidatePassword(in.Password); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if err := validation.ValidateFullName(in.FullName); err != nil {
		return nil, models.NewValidationError(err.Error())
	}

	if taken, err := s.exists(s.store.Users.GetByEmail(ctx, in.Email)); err != nil {
		return nil, err
	} else if taken {
		return nil, models.NewConflictError("Email is already registered")
	}
	if taken, err := s.exists(s.store.Users.GetByUsername(ctx, in.Username)); err != nil {
		return nil, err
	} else if taken {
		return nil, models.NewConflictError("Username is already taken")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	user := &models.User{
		Username: in.Username,
		FullName: in.FullName,
		Email:    in.Email,
		Password: string(hash),
		Bio:      models.DefaultBio,
	}

	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Users.Create(ctx, user); err != nil {
			return err
		}
		_, err := tx.Preferences.Get(ctx, user.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.signIn(user)
}

// Login authenticates by email or username.
func (s *UserService) Login(ctx context.Context, identifier, password string) (*AuthResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, models.NewValidationError("Email and password are required")
	}

	var user *models.User
	var err error
	if strings.Contains(identifier, "@") {
		user, err = s.store.Users.GetByEmail(ctx, identifier)
	} else {
		user, err = s.store.Users.GetByUsername(ctx, identifier)
	}
	if err != nil {
		if models.ErrorCode(err) == models.CodeNotFound {
			return nil, models.NewUnauthorizedError("Invalid credentials")
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, models.NewUnauthorizedError("Invalid credentials")
	}
	return s.signIn(user)
}

// Authenticate validates a bearer token and rejects revoked ones.
func (s *UserService) Authenticate(ctx context.Context, token string) (middleware.TokenClaims, error) {
	claims, err := middleware.ParseToken(s.secret, token)
	if err != nil {
		return middleware.TokenClaims{}, models.NewUnauthorizedError("Invalid or expired token")
	}
	if claims.JTI != "" && s.redis != nil {
		n, err := s.redis.Exists(ctx, cache.BlacklistKey(claims.JTI)).Result()
		if err == nil && n > 0 {
			return middleware.TokenClaims{}, models.NewUnauthorizedError("Token has been revoked")
		}
	}
	return claims, nil
}

// Logout revokes the token until it would have expired anyway.
func (s *UserService) Logout(ctx context.Context, claims middleware.TokenClaims) error {
	if s.redis == nil || claims.JTI == "" {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, cache.BlacklistKey(claims.JTI), "1", ttl).Err(); err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// IssueWSTicket returns a short-lived single-use ticket that authenticates
// one websocket upgrade.
func (s *UserService) IssueWSTicket(ctx context.Context, userID uint) (string, error) {
	if s.redis == nil {
		return "", ErrRealtimeUnavailable
	}
	ticket := uuid.NewString()
	err := s.redis.Set(ctx, cache.WSTicketKey(ticket), strconv.FormatUint(uint64(userID), 10), cache.WSTicketTTL).Err()
	if err != nil {
		return "", models.NewInternalError(err)
	}
	return ticket, nil
}

// RedeemWSTicket consumes a ticket and returns its user.
func (s *UserService) RedeemWSTicket(ctx context.Context, ticket string) (uint, error) {
	if s.redis == nil || ticket == "" {
		return 0, models.NewUnauthorizedError("Invalid or expired WebSocket ticket")
	}
	raw, err := s.redis.GetDel(ctx, cache.WSTicketKey(ticket)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, models.NewUnauthorizedError("Invalid or expired WebSocket ticket")
		}
		return 0, models.NewInternalError(err)
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, models.NewUnauthorizedError("Invalid or expired WebSocket ticket")
	}
	return uint(id), nil
}

// Profile returns a user's account.
func (s *UserService) Profile(ctx context.Context, userID uint) (*models.User, error) {
	return s.store.Users.GetByID(ctx, userID)
}

// UpdateProfile changes the caller's display fields.
func (s *UserService) UpdateProfile(ctx context.Context, userID uint, in ProfileUpdate) (*models.User, error) {
	user, err := s.store.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if in.FullName != nil {
		name := strings.TrimSpace(*in.FullName)
		if err := validation.ValidateFullName(name); err != nil {
			return nil, models.NewValidationError(err.Error())
		}
		user.FullName = name
	}
	if in.Bio != nil {
		bio := strings.TrimSpace(*in.Bio)
		if err := validation.ValidateBio(bio); err != nil {
			return nil, models.NewValidationError(err.Error())
		}
		user.Bio = bio
	}
	if in.Avatar != nil {
		avatar := strings.TrimSpace(*in.Avatar)
		if err := validation.ValidateImageURL(avatar); err != nil {
			return nil, models.NewValidationError(err.Error())
		}
		user.Avatar = avatar
	}
	if err := s.store.Users.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Search finds other users by username or full name.
func (s *UserService) Search(ctx context.Context, query string, callerID uint, limit int) ([]models.UserSummary, error) {
	query = strings.TrimSpace(query)
	out := []models.UserSummary{}
	if query == "" {
		return out, nil
	}
	users, err := s.store.Users.Search(ctx, query, callerID, limit)
	if err != nil {
		return nil, err
	}
	for i := range users {
		out = append(out, users[i].Summary())
	}
	return out, nil
}

func (s *UserService) signIn(user *models.User) (*AuthResult, error) {
	token, claims, err := middleware.IssueToken(s.secret, user.ID, s.tokenTTL)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &AuthResult{Token: token, ExpiresAt: claims.ExpiresAt, User: user}, nil
}

func (s *UserService) exists(_ *models.User, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if models.ErrorCode(err) == models.CodeNotFound {
		return false, nil
	}
	return false, err
}
