package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/timesheet_backend/config"
	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/store"
	"github.com/mmdatafocus/timesheet_backend/utils"
)

// Directory resolves identities, tenant roles and project manager assignments.
type Directory interface {
	User(ctx context.Context, userId int) (*models.User, error)
	ProjectManagers(ctx context.Context, projectId int) ([]int, error)
	TenantApprovers(ctx context.Context) ([]int, error)
	IsProjectManager(ctx context.Context, userId, projectId int) (bool, error)
	// ManagesUser is true when managerId manages a project userId is a member of.
	ManagesUser(ctx context.Context, managerId, userId int) (bool, error)
	ManagedProjects(ctx context.Context, managerId int) ([]int, error)
}

type storeBinder interface {
	WithStore(st store.Store) Directory
}

// StoreDirectory answers from the record store, with users cached in Redis.
type StoreDirectory struct {
	st       store.Store
	cacheTTL time.Duration
}

func NewStoreDirectory(st store.Store) *StoreDirectory {
	return &StoreDirectory{st: st, cacheTTL: time.Minute}
}

// WithStore binds the directory to a transaction. Bound directories skip the cache.
func (d *StoreDirectory) WithStore(st store.Store) Directory {
	return &StoreDirectory{st: st}
}

func (d *StoreDirectory) User(ctx context.Context, userId int) (*models.User, error) {
	tenantId, _ := utils.GetTenantIdFromContext(ctx)
	key := models.UserCacheKey(tenantId, userId)
	if d.cacheTTL > 0 {
		var cached models.User
		if ok, err := config.GetRedisObject(ctx, key, &cached); err == nil && ok && cached.TenantId == tenantId {
			return &cached, nil
		}
	}
	user, err := d.st.GetUser(ctx, userId)
	if err != nil {
		return nil, err
	}
	if d.cacheTTL > 0 {
		if err := config.SetRedisObject(ctx, key, user, d.cacheTTL); err != nil {
			config.LogError(config.GetLogger(), "workflow", "StoreDirectory.User", "SetRedisObject", key, err)
		}
	}
	return user, nil
}

func (d *StoreDirectory) ProjectManagers(ctx context.Context, projectId int) ([]int, error) {
	members, err := d.st.ListProjectMembers(ctx, projectId)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, m := range members {
		if m.Role == models.MemberRoleManager {
			ids = append(ids, m.UserId)
		}
	}
	return utils.UniqueSlice(ids), nil
}

func (d *StoreDirectory) TenantApprovers(ctx context.Context) ([]int, error) {
	users, err := d.st.ListUsers(ctx, models.UserRoleOwner, models.UserRoleAdmin, models.UserRoleSuperAdmin)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (d *StoreDirectory) IsProjectManager(ctx context.Context, userId, projectId int) (bool, error) {
	managers, err := d.ProjectManagers(ctx, projectId)
	if err != nil {
		return false, err
	}
	for _, id := range managers {
		if id == userId {
			return true, nil
		}
	}
	return false, nil
}

func (d *StoreDirectory) ManagedProjects(ctx context.Context, managerId int) ([]int, error) {
	memberships, err := d.st.ListMemberships(ctx, managerId)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, m := range memberships {
		if m.Role == models.MemberRoleManager {
			ids = append(ids, m.ProjectId)
		}
	}
	return ids, nil
}

func (d *StoreDirectory) ManagesUser(ctx context.Context, managerId, userId int) (bool, error) {
	managed, err := d.ManagedProjects(ctx, managerId)
	if err != nil || len(managed) == 0 {
		return false, err
	}
	memberships, err := d.st.ListMemberships(ctx, userId)
	if err != nil {
		return false, err
	}
	for _, m := range memberships {
		for _, p := range managed {
			if m.ProjectId == p {
				return true, nil
			}
		}
	}
	return false, nil
}
