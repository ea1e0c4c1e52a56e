package household

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

const (
	RoleOwner  = "owner"
	RoleAdult  = "adult"
	RoleMember = "member"
)

type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
}

type Household struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Membership struct {
	HouseholdID   string `json:"household_id"`
	HouseholdName string `json:"household_name"`
	Role          string `json:"role"`
}

type Member struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type RefreshToken struct {
	TokenID   string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateUser(ctx context.Context, user User) error
	FindUserByUsername(ctx context.Context, username string) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)

	CreateHousehold(ctx context.Context, h Household, creatorUserID string) error
	AddUserToHouseholdWithRole(ctx context.Context, householdID, userID, role string) error
	AddUserToHouseholdByUsernameWithRole(ctx context.Context, householdID, username, role string) error
	SetUserRoleByUsername(ctx context.Context, householdID, username, role string) error
	GetMembershipRole(ctx context.Context, userID, householdID string) (string, error)
	ListHouseholdsForUser(ctx context.Context, userID string) ([]Membership, error)
	ListMembers(ctx context.Context, householdID string) ([]Member, error)
	ListRecipientIDs(ctx context.Context, householdID, excludeUserID string) ([]string, error)

	CreateRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenID string) error
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
  id text PRIMARY KEY,
  username text NOT NULL UNIQUE,
  display_name text NOT NULL DEFAULT '',
  password_hash text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createHouseholdsSQL = `
CREATE TABLE IF NOT EXISTS households (
  id text PRIMARY KEY,
  name text NOT NULL,
  created_by text NOT NULL REFERENCES users(id),
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createHouseholdMembersSQL = `
CREATE TABLE IF NOT EXISTS household_members (
  household_id text NOT NULL REFERENCES households(id) ON DELETE CASCADE,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  role text NOT NULL DEFAULT 'member',
  added_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (household_id, user_id)
)`

const createRefreshTokensSQL = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  token_id text PRIMARY KEY,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_hash text NOT NULL UNIQUE,
  expires_at timestamptz NOT NULL,
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createUsersSQL,
		createHouseholdsSQL,
		createHouseholdMembersSQL,
		createRefreshTokensSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user User) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO users (id, username, display_name, password_hash) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Username, user.DisplayName, user.PasswordHash,
	)
	return err
}

func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := r.Pool.QueryRow(ctx,
		`SELECT id, username, display_name, password_hash FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (User, error) {
	var u User
	err := r.Pool.QueryRow(ctx,
		`SELECT id, username, display_name, password_hash FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) CreateHousehold(ctx context.Context, h Household, creatorUserID string) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO households (id, name, created_by) VALUES ($1, $2, $3)`,
		h.ID, h.Name, creatorUserID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO household_members (household_id, user_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (household_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		h.ID, creatorUserID, RoleOwner,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) AddUserToHouseholdWithRole(ctx context.Context, householdID, userID, role string) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO household_members (household_id, user_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (household_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		householdID, userID, role,
	)
	return err
}

func (r *PostgresRepository) AddUserToHouseholdByUsernameWithRole(ctx context.Context, householdID, username, role string) error {
	var userID string
	err := r.Pool.QueryRow(ctx, `SELECT id FROM users WHERE username = $1`, username).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return r.AddUserToHouseholdWithRole(ctx, householdID, userID, role)
}

func (r *PostgresRepository) SetUserRoleByUsername(ctx context.Context, householdID, username, role string) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE household_members hm
		 SET role = $3
		 FROM users u
		 WHERE hm.household_id = $1 AND hm.user_id = u.id AND u.username = $2`,
		householdID, username, role,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) GetMembershipRole(ctx context.Context, userID, householdID string) (string, error) {
	var role string
	err := r.Pool.QueryRow(ctx,
		`SELECT role FROM household_members WHERE household_id = $1 AND user_id = $2`,
		householdID, userID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return role, nil
}

func (r *PostgresRepository) ListHouseholdsForUser(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT h.id, h.name, hm.role
		 FROM households h
		 INNER JOIN household_members hm ON hm.household_id = h.id
		 WHERE hm.user_id = $1
		 ORDER BY h.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memberships := make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.HouseholdID, &m.HouseholdName, &m.Role); err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return memberships, nil
}

func (r *PostgresRepository) ListMembers(ctx context.Context, householdID string) ([]Member, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT u.id, u.username, u.display_name, hm.role
		 FROM household_members hm
		 INNER JOIN users u ON u.id = hm.user_id
		 WHERE hm.household_id = $1
		 ORDER BY hm.added_at ASC`,
		householdID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Username, &m.DisplayName, &m.Role); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

// ListRecipientIDs resolves the notification fan-out set for a household:
// every member except the acting user.
func (r *PostgresRepository) ListRecipientIDs(ctx context.Context, householdID, excludeUserID string) ([]string, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT user_id FROM household_members
		 WHERE household_id = $1 AND user_id <> $2`,
		householdID, excludeUserID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *PostgresRepository) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO refresh_tokens (token_id, user_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		token.TokenID, token.UserID, token.TokenHash, token.ExpiresAt,
	)
	return err
}

func (r *PostgresRepository) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var rt RefreshToken
	err := r.Pool.QueryRow(ctx,
		`SELECT token_id, user_id, token_hash, expires_at, revoked_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		tokenHash,
	).Scan(&rt.TokenID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &rt.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}
	return rt, nil
}

func (r *PostgresRepository) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE token_id = $1`,
		tokenID,
	)
	return err
}
