package household

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/famplan/organizer/internal/platform/auth"
)

type fakeRepo struct {
	users         map[string]User
	members       map[string]map[string]string
	households    map[string]Household
	refreshByHash map[string]RefreshToken

	createErr error
	findErr   error
	memberErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         map[string]User{},
		members:       map[string]map[string]string{},
		households:    map[string]Household{},
		refreshByHash: map[string]RefreshToken{},
	}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeRepo) CreateUser(ctx context.Context, user User) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.users {
		if u.Username == user.Username {
			return errors.New("duplicate")
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeRepo) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if f.findErr != nil {
		return User{}, f.findErr
	}
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (f *fakeRepo) FindUserByID(ctx context.Context, userID string) (User, error) {
	u, ok := f.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeRepo) CreateHousehold(ctx context.Context, h Household, creatorUserID string) error {
	f.households[h.ID] = h
	if f.members[h.ID] == nil {
		f.members[h.ID] = map[string]string{}
	}
	f.members[h.ID][creatorUserID] = RoleOwner
	return nil
}

func (f *fakeRepo) AddUserToHouseholdWithRole(ctx context.Context, householdID, userID, role string) error {
	if f.members[householdID] == nil {
		f.members[householdID] = map[string]string{}
	}
	f.members[householdID][userID] = role
	return nil
}

func (f *fakeRepo) AddUserToHouseholdByUsernameWithRole(ctx context.Context, householdID, username, role string) error {
	for _, u := range f.users {
		if u.Username == username {
			return f.AddUserToHouseholdWithRole(ctx, householdID, u.ID, role)
		}
	}
	return ErrNotFound
}

func (f *fakeRepo) SetUserRoleByUsername(ctx context.Context, householdID, username, role string) error {
	for _, u := range f.users {
		if u.Username == username {
			if _, exists := f.members[householdID][u.ID]; !exists {
				return ErrNotFound
			}
			f.members[householdID][u.ID] = role
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeRepo) GetMembershipRole(ctx context.Context, userID, householdID string) (string, error) {
	if f.memberErr != nil {
		return "", f.memberErr
	}
	role := f.members[householdID][userID]
	if role == "" {
		return "", ErrNotFound
	}
	return role, nil
}

func (f *fakeRepo) ListHouseholdsForUser(ctx context.Context, userID string) ([]Membership, error) {
	result := []Membership{}
	for hid, members := range f.members {
		if role, ok := members[userID]; ok {
			h := f.households[hid]
			result = append(result, Membership{HouseholdID: hid, HouseholdName: h.Name, Role: role})
		}
	}
	return result, nil
}

func (f *fakeRepo) ListMembers(ctx context.Context, householdID string) ([]Member, error) {
	result := []Member{}
	for uid, role := range f.members[householdID] {
		u := f.users[uid]
		result = append(result, Member{UserID: uid, Username: u.Username, DisplayName: u.DisplayName, Role: role})
	}
	return result, nil
}

func (f *fakeRepo) ListRecipientIDs(ctx context.Context, householdID, excludeUserID string) ([]string, error) {
	ids := []string{}
	for uid := range f.members[householdID] {
		if uid != excludeUserID {
			ids = append(ids, uid)
		}
	}
	return ids, nil
}

func (f *fakeRepo) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}

func (f *fakeRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	if rt.RevokedAt != nil || rt.ExpiresAt.Before(time.Now().UTC()) {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (f *fakeRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			rt.RevokedAt = &now
			f.refreshByHash[hash] = rt
		}
	}
	return nil
}

func testTokenManager() auth.Manager {
	m := auth.NewManager("secret", time.Hour)
	m.Now = func() time.Time { return time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC) }
	return m
}

func TestRegisterLoginRefreshLogout(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, testTokenManager())
	next := 0
	svc.NewID = func() string {
		next++
		return "id-" + string(rune('a'+next))
	}

	reg, err := svc.Register(context.Background(), "Alice", "Alice P", "password123")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if reg.AccessToken == "" || reg.RefreshToken == "" || reg.UserID == "" {
		t.Fatalf("unexpected register response: %+v", reg)
	}
	if reg.DisplayName != "Alice P" {
		t.Fatalf("display name = %q", reg.DisplayName)
	}

	login, err := svc.Login(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if login.AccessToken == "" || login.RefreshToken == "" {
		t.Fatalf("unexpected login response: %+v", login)
	}

	refreshed, err := svc.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.RefreshToken == "" {
		t.Fatalf("unexpected refresh response: %+v", refreshed)
	}

	if err := svc.Logout(context.Background(), refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), refreshed.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after logout, got %v", err)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeRepo(), testTokenManager())
	if _, err := svc.Register(context.Background(), "bob", "", "short"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestAddMemberRolePermissions(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "owner"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}
	repo.households["h1"] = Household{ID: "h1", Name: "Family"}
	repo.members["h1"] = map[string]string{"u1": RoleOwner}

	svc := NewService(repo, testTokenManager())
	if err := svc.AddMemberByUsername(context.Background(), "u1", "h1", "bob", RoleMember); err != nil {
		t.Fatalf("AddMemberByUsername error: %v", err)
	}
	if role := repo.members["h1"]["u2"]; role != RoleMember {
		t.Fatalf("unexpected role: %s", role)
	}

	repo.members["h1"]["u1"] = RoleMember
	if err := svc.AddMemberByUsername(context.Background(), "u1", "h1", "bob", RoleAdult); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
}

func TestUpdateRoleRequiresOwner(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "owner"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}
	repo.households["h1"] = Household{ID: "h1", Name: "Family"}
	repo.members["h1"] = map[string]string{"u1": RoleOwner, "u2": RoleMember}

	svc := NewService(repo, testTokenManager())
	if err := svc.UpdateMemberRoleByUsername(context.Background(), "u1", "h1", "bob", RoleAdult); err != nil {
		t.Fatalf("UpdateMemberRoleByUsername error: %v", err)
	}
	if role := repo.members["h1"]["u2"]; role != RoleAdult {
		t.Fatalf("unexpected role after update: %s", role)
	}

	repo.members["h1"]["u1"] = RoleAdult
	if err := svc.UpdateMemberRoleByUsername(context.Background(), "u1", "h1", "bob", RoleMember); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
}

func TestListRecipientIDsExcludesActor(t *testing.T) {
	repo := newFakeRepo()
	repo.members["h1"] = map[string]string{"u1": RoleOwner, "u2": RoleMember, "u3": RoleMember}

	svc := NewService(repo, testTokenManager())
	ids, err := svc.ListRecipientIDs(context.Background(), "h1", "u1")
	if err != nil {
		t.Fatalf("ListRecipientIDs error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 recipients, got %v", ids)
	}
	for _, id := range ids {
		if id == "u1" {
			t.Fatal("actor must be excluded from recipients")
		}
	}
}
