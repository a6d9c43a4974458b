package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/internal/remote"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

// stubVault is an in-memory credential store keyed by username key.
type stubVault struct {
	creds   map[string]remote.Credential
	putErr  error
	revoked []string
}

func newStubVault() *stubVault {
	return &stubVault{creds: map[string]remote.Credential{}}
}

func (v *stubVault) seed(accountID, username, password string) {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	key := models.UsernameKey(username)
	v.creds[key] = remote.Credential{AccountID: accountID, UsernameKey: key, PasswordHash: string(hash)}
}

func (v *stubVault) PutCredential(ctx context.Context, cred remote.Credential) error {
	if v.putErr != nil {
		return v.putErr
	}
	v.creds[cred.UsernameKey] = cred
	return nil
}

func (v *stubVault) GetCredential(ctx context.Context, usernameKey string) (*remote.Credential, error) {
	cred, ok := v.creds[usernameKey]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "credential not found")
	}
	return &cred, nil
}

func (v *stubVault) DeleteCredential(ctx context.Context, accountID string) error {
	for key, cred := range v.creds {
		if cred.AccountID == accountID {
			delete(v.creds, key)
		}
	}
	return nil
}

func (v *stubVault) RevokeRefreshTokens(ctx context.Context, accountID string) error {
	v.revoked = append(v.revoked, accountID)
	return nil
}

func newAccountService(f *fixture, vault *stubVault) *AccountService {
	return NewAccountService(f.store, f.mutator, vault, nil, nil)
}

func TestAccountCreateWritesCredentialToVault(t *testing.T) {
	f := newFixture(t)
	vault := newStubVault()
	svc := newAccountService(f, vault)

	created, err := svc.Create(context.Background(), f.admin, CreateAccountRequest{
		Username: "Sam",
		Password: "correct-horse",
		Role:     models.RoleTrainer,
	})
	require.NoError(t, err)
	assert.Equal(t, "Sam", created.Username)

	cred, ok := vault.creds["sam"]
	require.True(t, ok)
	assert.Equal(t, created.ID, cred.AccountID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte("correct-horse")))
}

func TestAccountCreateDuplicateUsername(t *testing.T) {
	f := newFixture(t)
	svc := newAccountService(f, newStubVault())
	f.seedAccount("t1", "Sam", models.RoleTrainer, nil, nil)

	_, err := svc.Create(context.Background(), f.admin, CreateAccountRequest{
		Username: "  SAM ",
		Password: "correct-horse",
		Role:     models.RoleTrainer,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicate))
}

func TestAccountCreateUnknownAssignedGroup(t *testing.T) {
	f := newFixture(t)
	svc := newAccountService(f, newStubVault())

	_, err := svc.Create(context.Background(), f.admin, CreateAccountRequest{
		Username:       "sam",
		Password:       "correct-horse",
		Role:           models.RoleTrainer,
		AssignedGroups: []string{"ghost-group"},
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAccountCreateVaultFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	vault := newStubVault()
	vault.putErr = appErrors.Clone(appErrors.ErrSync, "remote unavailable")
	svc := newAccountService(f, vault)

	_, err := svc.Create(context.Background(), f.admin, CreateAccountRequest{
		Username: "sam",
		Password: "correct-horse",
		Role:     models.RoleTrainer,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrSync))
	assert.Equal(t, 1, f.store.Count(models.CollectionAccounts)) // just the seeded admin
	assert.Empty(t, vault.creds)
}

func TestAccountCreateSaveFailureRollsBackCredential(t *testing.T) {
	f := newFixture(t)
	vault := newStubVault()
	svc := newAccountService(f, vault)
	f.mutator.saveErr = appErrors.Clone(appErrors.ErrInternal, "boom")

	_, err := svc.Create(context.Background(), f.admin, CreateAccountRequest{
		Username: "sam",
		Password: "correct-horse",
		Role:     models.RoleTrainer,
	})
	require.Error(t, err)
	assert.Empty(t, vault.creds)
}

func TestAccountUpdateOwnRoleRefused(t *testing.T) {
	f := newFixture(t)
	svc := newAccountService(f, newStubVault())

	_, err := svc.Update(context.Background(), f.admin, f.admin.ID, UpdateAccountRequest{
		Username: "head-admin",
		Role:     models.RoleTrainer,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAccountUpdateUsernameMovesCredential(t *testing.T) {
	f := newFixture(t)
	vault := newStubVault()
	svc := newAccountService(f, vault)
	f.seedAccount("t1", "sam", models.RoleTrainer, nil, nil)
	vault.seed("t1", "sam", "correct-horse")

	updated, err := svc.Update(context.Background(), f.admin, "t1", UpdateAccountRequest{
		Username: "sam.field",
		Role:     models.RoleTrainer,
	})
	require.NoError(t, err)
	assert.Equal(t, "sam.field", updated.Username)

	_, hadOld := vault.creds["sam"]
	assert.False(t, hadOld)
	moved, hasNew := vault.creds["sam.field"]
	require.True(t, hasNew)
	assert.Equal(t, "t1", moved.AccountID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(moved.PasswordHash), []byte("correct-horse")))
}

func TestAccountChangePasswordSelf(t *testing.T) {
	f := newFixture(t)
	vault := newStubVault()
	svc := newAccountService(f, vault)
	trainer := f.seedAccount("t1", "sam", models.RoleTrainer, nil, nil)
	vault.seed("t1", "sam", "correct-horse")

	err := svc.ChangePassword(context.Background(), trainer, "t1", ChangePasswordRequest{
		CurrentPassword: "wrong-guess",
		NewPassword:     "fresh-password",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))

	err = svc.ChangePassword(context.Background(), trainer, "t1", ChangePasswordRequest{
		CurrentPassword: "correct-horse",
		NewPassword:     "fresh-password",
	})
	require.NoError(t, err)

	cred := vault.creds["sam"]
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte("fresh-password")))
	assert.Equal(t, []string{"t1"}, vault.revoked)
}

func TestAccountChangePasswordAdminReset(t *testing.T) {
	f := newFixture(t)
	vault := newStubVault()
	svc := newAccountService(f, vault)
	f.seedAccount("t1", "sam", models.RoleTrainer, nil, nil)
	vault.seed("t1", "sam", "correct-horse")

	// No current password needed when an admin resets someone else.
	err := svc.ChangePassword(context.Background(), f.admin, "t1", ChangePasswordRequest{
		NewPassword: "fresh-password",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, vault.revoked)

	// A trainer cannot reset another account.
	other := f.seedAccount("t2", "kim", models.RoleTrainer, nil, nil)
	err = svc.ChangePassword(context.Background(), other, "t1", ChangePasswordRequest{
		NewPassword: "fresh-password",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))
}

func TestAccountDeleteGuards(t *testing.T) {
	f := newFixture(t)
	vault := newStubVault()
	svc := newAccountService(f, vault)
	trainer := f.seedAccount("t1", "sam", models.RoleTrainer, nil, nil)
	vault.seed("t1", "sam", "correct-horse")

	err := svc.Delete(context.Background(), trainer, f.admin.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))

	err = svc.Delete(context.Background(), f.admin, f.admin.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	require.NoError(t, svc.Delete(context.Background(), f.admin, "t1"))
	_, ok := f.store.Account("t1")
	assert.False(t, ok)
	assert.Empty(t, vault.creds)
}
