package service

import (
	"context"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

// recordMutator routes every mutation through the sync coordinator so local
// apply, mirroring, and remote delivery stay on one path.
type recordMutator interface {
	Save(ctx context.Context, c models.Collection, rec models.Record, actor models.Actor) error
	Remove(ctx context.Context, c models.Collection, id string, actor models.Actor) error
}

// accountLookup resolves actors to their accounts for assignment checks.
type accountLookup interface {
	Account(id string) (*models.Account, bool)
}

// requireGroupAccess refuses non-admin actors outside their assigned groups
// and years.
func requireGroupAccess(accounts accountLookup, actor models.Actor, group *models.Group) error {
	if actor.IsAdmin() {
		return nil
	}
	acct, ok := accounts.Account(actor.ID)
	if !ok {
		return appErrors.Clone(appErrors.ErrPermission, "unknown actor account")
	}
	if acct.MayAccessGroup(group.ID) || acct.MayAccessYear(group.Year) {
		return nil
	}
	return appErrors.Clone(appErrors.ErrPermission, "group not assigned to trainer")
}

// scopeVisible reports whether the actor may read records in the given group
// and year.
func scopeVisible(accounts accountLookup, actor models.Actor, groupID string, year int) bool {
	if actor.IsAdmin() {
		return true
	}
	acct, ok := accounts.Account(actor.ID)
	if !ok {
		return false
	}
	return acct.MayAccessGroup(groupID) || acct.MayAccessYear(year)
}

// pageBounds computes the slice window for one page of a full result set.
func pageBounds(total, page, pageSize int) (int, int, *models.Pagination) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}
}
