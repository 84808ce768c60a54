package user

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Brhansenane/academy-control-panel/core"
)

var (
	// errors
	ErrNotFound    = errors.New("user not found")
	ErrEmailExists = errors.New("a user with this email already exists")
)

type (
	Repository interface {
		CreateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		// GetUser finds a User by ID, or by email when no ID is set.
		GetUser(ctx context.Context, filter GetFilter, exec ...core.DBExecutor) (User, error)
		// QueryUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of User.FirstName, User.LastName or User.Email.
		QueryUsers(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]User, error)
		UpdateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
	}

	Service interface {
		Create(ctx context.Context, nu NewUser) (User, error)
		GetByID(ctx context.Context, id string) (User, error)
		GetByEmail(ctx context.Context, email string) (User, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error)
		SetLastLogin(ctx context.Context, usr User) (User, error)
		SetPassword(ctx context.Context, sp SetPassword) (User, error)
	}

	service struct {
		db   core.DB
		repo Repository
	}
)

var _ Service = (*service)(nil)

// NewService returns the user Service. db may be nil when repo does not need transactions.
func NewService(db core.DB, repo Repository) Service {
	return &service{db: db, repo: repo}
}

func (svc *service) Create(ctx context.Context, nu NewUser) (User, error) {
	var usr User
	err := core.WithTx(ctx, svc.db, func(exec core.DBExecutor) error {
		execs := execList(exec)

		if _, err := svc.repo.GetUser(ctx, GetFilter{Email: nu.Email}, execs...); err == nil {
			return core.NewValidationError(ErrEmailExists, core.FieldError{Field: "email", Error: ErrEmailExists.Error()})
		} else if errors.Cause(err) != ErrNotFound {
			return errors.Wrap(err, "checking email uniqueness")
		}

		now := time.Now().UTC()
		usr = User{
			FirstName: nu.FirstName,
			LastName:  nu.LastName,
			Email:     nu.Email,
			Phone:     nu.Phone,
			AvatarURL: nu.AvatarURL,
			Roles:     nu.Roles,
			CreatedAt: now,
			UpdatedAt: now,
		}
		usr.SetActive(true)
		if err := usr.SetPassword(nu.Password); err != nil {
			return errors.Wrap(err, "setting password")
		}

		var err error
		usr, err = svc.repo.CreateUser(ctx, usr, execs...)
		return errors.Wrap(err, "creating user")
	})
	return usr, err
}

func (svc *service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: core.CleanString(id)})
}

func (svc *service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{Email: core.CleanString(email, true /* lower */)})
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error) {
	return svc.repo.QueryUsers(ctx, filter, ordering)
}

func (svc *service) SetLastLogin(ctx context.Context, usr User) (User, error) {
	usr.LastLogin = time.Now().UTC()
	return svc.repo.UpdateUser(ctx, usr)
}

// SetPassword changes the password of the user with the SetPassword.Email.
// The SetPassword must have been validated against that user.
func (svc *service) SetPassword(ctx context.Context, sp SetPassword) (User, error) {
	var usr User
	err := core.WithTx(ctx, svc.db, func(exec core.DBExecutor) error {
		execs := execList(exec)

		var err error
		if usr, err = svc.repo.GetUser(ctx, GetFilter{Email: sp.Email}, execs...); err != nil {
			return err
		}
		if err = usr.SetPassword(sp.Password); err != nil {
			return errors.Wrap(err, "setting password")
		}
		usr.UpdatedAt = time.Now().UTC()
		usr, err = svc.repo.UpdateUser(ctx, usr, execs...)
		return errors.Wrap(err, "updating user")
	})
	return usr, err
}

func execList(exec core.DBExecutor) []core.DBExecutor {
	if exec == nil {
		return nil
	}
	return []core.DBExecutor{exec}
}
