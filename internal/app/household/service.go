package household

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/famplan/organizer/internal/platform/auth"
)

var (
	ErrInvalidUsername      = errors.New("username is required")
	ErrInvalidPassword      = errors.New("password must be at least 8 characters")
	ErrInvalidHouseholdName = errors.New("household name is required")
	ErrInvalidHouseholdID   = errors.New("household_id is required")
	ErrInvalidRole          = errors.New("invalid role")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrForbiddenHousehold   = errors.New("user is not a member of the household")
	ErrForbiddenRole        = errors.New("insufficient permissions for this action")
	ErrRefreshTokenMissing  = errors.New("refresh_token is required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
)

type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
}

type Service struct {
	Repo       Repository
	AuthToken  auth.Manager
	NewID      func() string
	RefreshTTL time.Duration
	Now        func() time.Time
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:       repo,
		AuthToken:  tokenManager,
		NewID:      nuid.Next,
		RefreshTTL: 30 * 24 * time.Hour,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateCredentials(username, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func IsValidRole(role string) bool {
	switch strings.TrimSpace(role) {
	case RoleOwner, RoleAdult, RoleMember:
		return true
	default:
		return false
	}
}

func canManageMembers(role string) bool {
	return role == RoleOwner || role == RoleAdult
}

func canManageRoles(role string) bool {
	return role == RoleOwner
}

func (s *Service) Register(ctx context.Context, username, displayName, password string) (AuthResponse, error) {
	if err := validateCredentials(username, password); err != nil {
		return AuthResponse{}, err
	}
	uname := normalizeUsername(username)
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = uname
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	u := User{
		ID:           s.NewID(),
		Username:     uname,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	uname := normalizeUsername(username)
	if uname == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	u, err := s.Repo.FindUserByUsername(ctx, uname)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return AuthResponse{}, ErrRefreshTokenMissing
	}

	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidRefreshToken
		}
		return AuthResponse{}, err
	}
	if err := s.Repo.RevokeRefreshToken(ctx, session.TokenID); err != nil {
		return AuthResponse{}, err
	}

	u, err := s.Repo.FindUserByID(ctx, session.UserID)
	if err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenMissing
	}
	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.Repo.RevokeRefreshToken(ctx, session.TokenID)
}

func (s *Service) CreateHousehold(ctx context.Context, actorUserID, name string) (Household, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Household{}, ErrInvalidHouseholdName
	}
	h := Household{ID: s.NewID(), Name: name}
	if err := s.Repo.CreateHousehold(ctx, h, actorUserID); err != nil {
		return Household{}, err
	}
	return h, nil
}

func (s *Service) AddMemberByUsername(ctx context.Context, actorUserID, householdID, username, role string) error {
	householdID = strings.TrimSpace(householdID)
	if householdID == "" {
		return ErrInvalidHouseholdID
	}
	username = normalizeUsername(username)
	if username == "" {
		return ErrInvalidUsername
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = RoleMember
	}
	if !IsValidRole(role) || role == RoleOwner {
		return ErrInvalidRole
	}

	actorRole, err := s.Repo.GetMembershipRole(ctx, actorUserID, householdID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrForbiddenHousehold
		}
		return err
	}
	if !canManageMembers(actorRole) {
		return ErrForbiddenRole
	}
	if actorRole != RoleOwner && role == RoleAdult {
		return ErrForbiddenRole
	}

	return s.Repo.AddUserToHouseholdByUsernameWithRole(ctx, householdID, username, role)
}

func (s *Service) UpdateMemberRoleByUsername(ctx context.Context, actorUserID, householdID, username, role string) error {
	householdID = strings.TrimSpace(householdID)
	if householdID == "" {
		return ErrInvalidHouseholdID
	}
	username = normalizeUsername(username)
	if username == "" {
		return ErrInvalidUsername
	}
	role = strings.TrimSpace(role)
	if !IsValidRole(role) || role == RoleOwner {
		return ErrInvalidRole
	}

	actorRole, err := s.Repo.GetMembershipRole(ctx, actorUserID, householdID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrForbiddenHousehold
		}
		return err
	}
	if !canManageRoles(actorRole) {
		return ErrForbiddenRole
	}
	return s.Repo.SetUserRoleByUsername(ctx, householdID, username, role)
}

func (s *Service) ListHouseholds(ctx context.Context, userID string) ([]Membership, error) {
	return s.Repo.ListHouseholdsForUser(ctx, userID)
}

func (s *Service) ListMembers(ctx context.Context, actorUserID, householdID string) ([]Member, error) {
	if _, err := s.EnsureMemberRole(ctx, actorUserID, householdID); err != nil {
		return nil, err
	}
	return s.Repo.ListMembers(ctx, householdID)
}

// EnsureMemberRole verifies membership and returns the actor's role.
func (s *Service) EnsureMemberRole(ctx context.Context, userID, householdID string) (string, error) {
	if strings.TrimSpace(householdID) == "" {
		return "", ErrInvalidHouseholdID
	}
	role, err := s.Repo.GetMembershipRole(ctx, userID, householdID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrForbiddenHousehold
		}
		return "", err
	}
	return role, nil
}

// ListRecipientIDs satisfies the pipeline's recipient lookup for fan-out.
func (s *Service) ListRecipientIDs(ctx context.Context, householdID, excludeUserID string) ([]string, error) {
	return s.Repo.ListRecipientIDs(ctx, householdID, excludeUserID)
}

func (s *Service) issueSession(ctx context.Context, user User) (AuthResponse, error) {
	accessToken, err := s.AuthToken.Sign(user.ID, user.DisplayName)
	if err != nil {
		return AuthResponse{}, err
	}

	refreshToken := s.NewID() + "." + s.NewID()
	session := RefreshToken{
		TokenID:   s.NewID(),
		UserID:    user.ID,
		TokenHash: hashRefreshToken(refreshToken),
		ExpiresAt: s.Now().Add(s.RefreshTTL),
	}
	if err := s.Repo.CreateRefreshToken(ctx, session); err != nil {
		return AuthResponse{}, err
	}

	return AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Username:     user.Username,
		DisplayName:  user.DisplayName,
	}, nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func NewTokenManager(secret string) auth.Manager {
	return auth.NewManager(secret, 15*time.Minute)
}
