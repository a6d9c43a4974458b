package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/internal/remote"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

type accountStore interface {
	Account(id string) (*models.Account, bool)
	Accounts() []*models.Account
	AccountByUsername(username string) (*models.Account, bool)
	Group(id string) (*models.Group, bool)
}

// credentialAdmin writes credential hashes on the remote store. Unlike record
// mutations, credential writes cannot ride the offline queue; account
// management needs connectivity.
type credentialAdmin interface {
	PutCredential(ctx context.Context, cred remote.Credential) error
	GetCredential(ctx context.Context, usernameKey string) (*remote.Credential, error)
	DeleteCredential(ctx context.Context, accountID string) error
	RevokeRefreshTokens(ctx context.Context, accountID string) error
}

// CreateAccountRequest holds payload for creating accounts.
type CreateAccountRequest struct {
	Username       string      `json:"username" validate:"required,min=3"`
	Password       string      `json:"password" validate:"required,min=8"`
	Role           models.Role `json:"role" validate:"required,oneof=admin trainer"`
	AssignedGroups []string    `json:"assigned_groups"`
	AssignedYears  []int       `json:"assigned_years"`
}

// UpdateAccountRequest holds payload for updating an account's username,
// role, or assignments.
type UpdateAccountRequest struct {
	Username       string      `json:"username" validate:"required,min=3"`
	Role           models.Role `json:"role" validate:"required,oneof=admin trainer"`
	AssignedGroups []string    `json:"assigned_groups"`
	AssignedYears  []int       `json:"assigned_years"`
}

// ChangePasswordRequest holds payload for rotating a password. The current
// password is required when an account changes its own.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

// AccountService handles account management workflows. Management is an
// admin operation; password self-service is the one exception.
type AccountService struct {
	store     accountStore
	mutator   recordMutator
	vault     credentialAdmin
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAccountService constructs the account service.
func NewAccountService(store accountStore, mutator recordMutator, vault credentialAdmin, validate *validator.Validate, logger *zap.Logger) *AccountService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{store: store, mutator: mutator, vault: vault, validator: validate, logger: logger}
}

// List returns all accounts.
func (s *AccountService) List(ctx context.Context, actor models.Actor) ([]*models.Account, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "account management requires admin role")
	}
	return s.store.Accounts(), nil
}

// Get returns one account. Non-admins may only read their own.
func (s *AccountService) Get(ctx context.Context, actor models.Actor, id string) (*models.Account, error) {
	if !actor.IsAdmin() && actor.ID != id {
		return nil, appErrors.Clone(appErrors.ErrPermission, "account management requires admin role")
	}
	account, ok := s.store.Account(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "account not found")
	}
	return account, nil
}

// Create adds an account. The credential hash is written to the vault first:
// if the vault is unreachable the create fails whole, leaving nothing behind.
// The account record itself can still queue offline afterwards.
func (s *AccountService) Create(ctx context.Context, actor models.Actor, req CreateAccountRequest) (*models.Account, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "account management requires admin role")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid account payload")
	}
	if _, exists := s.store.AccountByUsername(req.Username); exists {
		return nil, appErrors.Clone(appErrors.ErrDuplicate, "username already taken")
	}
	if err := s.checkAssignments(req.AssignedGroups); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	account := &models.Account{
		ID:             uuid.NewString(),
		Username:       req.Username,
		Role:           req.Role,
		AssignedGroups: req.AssignedGroups,
		AssignedYears:  req.AssignedYears,
	}
	cred := remote.Credential{
		AccountID:    account.ID,
		UsernameKey:  models.UsernameKey(req.Username),
		PasswordHash: string(hash),
	}
	if err := s.vault.PutCredential(ctx, cred); err != nil {
		return nil, err
	}
	if err := s.mutator.Save(ctx, models.CollectionAccounts, account, actor); err != nil {
		if derr := s.vault.DeleteCredential(ctx, account.ID); derr != nil {
			s.logger.Error("orphaned credential after failed account create",
				zap.String("account_id", account.ID),
				zap.Error(derr))
		}
		return nil, err
	}
	created, _ := s.store.Account(account.ID)
	return created, nil
}

// Update changes an account's username, role, or assignments.
func (s *AccountService) Update(ctx context.Context, actor models.Actor, id string, req UpdateAccountRequest) (*models.Account, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "account management requires admin role")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid account payload")
	}
	account, ok := s.store.Account(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "account not found")
	}
	if actor.ID == id && req.Role != account.Role {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cannot change own role")
	}
	if other, exists := s.store.AccountByUsername(req.Username); exists && other.ID != id {
		return nil, appErrors.Clone(appErrors.ErrDuplicate, "username already taken")
	}
	if err := s.checkAssignments(req.AssignedGroups); err != nil {
		return nil, err
	}

	oldKey, newKey := models.UsernameKey(account.Username), models.UsernameKey(req.Username)
	if oldKey != newKey {
		cred, err := s.vault.GetCredential(ctx, oldKey)
		if err != nil {
			return nil, err
		}
		cred.UsernameKey = newKey
		if err := s.vault.PutCredential(ctx, *cred); err != nil {
			return nil, err
		}
	}

	account.Username = req.Username
	account.Role = req.Role
	account.AssignedGroups = req.AssignedGroups
	account.AssignedYears = req.AssignedYears

	if err := s.mutator.Save(ctx, models.CollectionAccounts, account, actor); err != nil {
		return nil, err
	}
	updated, _ := s.store.Account(id)
	return updated, nil
}

// ChangePassword rotates an account's password and revokes its sessions. An
// account changing its own password must present the current one; an admin
// resetting someone else's does not.
func (s *AccountService) ChangePassword(ctx context.Context, actor models.Actor, id string, req ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid password payload")
	}
	if actor.ID != id && !actor.IsAdmin() {
		return appErrors.Clone(appErrors.ErrPermission, "password reset requires admin role")
	}
	account, ok := s.store.Account(id)
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "account not found")
	}

	key := models.UsernameKey(account.Username)
	if actor.ID == id {
		cred, err := s.vault.GetCredential(ctx, key)
		if err != nil {
			return err
		}
		if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.CurrentPassword)) != nil {
			return appErrors.Clone(appErrors.ErrInvalidCredentials, "current password incorrect")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	cred := remote.Credential{AccountID: id, UsernameKey: key, PasswordHash: string(hash)}
	if err := s.vault.PutCredential(ctx, cred); err != nil {
		return err
	}
	if err := s.vault.RevokeRefreshTokens(ctx, id); err != nil {
		s.logger.Warn("failed to revoke sessions after password change",
			zap.String("account_id", id),
			zap.Error(err))
	}
	return nil
}

// Delete removes an account and its credential. Admins cannot delete
// themselves.
func (s *AccountService) Delete(ctx context.Context, actor models.Actor, id string) error {
	if !actor.IsAdmin() {
		return appErrors.Clone(appErrors.ErrPermission, "account management requires admin role")
	}
	if actor.ID == id {
		return appErrors.Clone(appErrors.ErrValidation, "cannot delete own account")
	}
	if _, ok := s.store.Account(id); !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "account not found")
	}
	if err := s.vault.DeleteCredential(ctx, id); err != nil {
		return err
	}
	return s.mutator.Remove(ctx, models.CollectionAccounts, id, actor)
}

func (s *AccountService) checkAssignments(groupIDs []string) error {
	for _, id := range groupIDs {
		if _, ok := s.store.Group(id); !ok {
			return appErrors.Clone(appErrors.ErrValidation, "assigned group not found")
		}
	}
	return nil
}
