package boiledrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
	"github.com/volatiletech/sqlboiler/v4/queries"
	"github.com/volatiletech/sqlboiler/v4/types"
	"github.com/volatiletech/strmangle"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/user"
)

const profileColumns = `id, first_name, last_name, email, phone, avatar_url, roles, is_active, password_hash, created_at, updated_at, last_login`

// orderable columns: {ordering field: column}
var profileOrderings = map[string]string{
	"first_name": "lower(first_name)",
	"last_name":  "lower(last_name)",
	"email":      "email",
	"created_at": "created_at",
	"last_login": "last_login",
}

// profile is a row of the profiles table.
type profile struct {
	ID           string            `boil:"id"`
	FirstName    string            `boil:"first_name"`
	LastName     string            `boil:"last_name"`
	Email        null.String       `boil:"email"`
	Phone        null.String       `boil:"phone"`
	AvatarURL    null.String       `boil:"avatar_url"`
	Roles        types.StringArray `boil:"roles"`
	IsActive     bool              `boil:"is_active"`
	PasswordHash null.Bytes        `boil:"password_hash"`
	CreatedAt    time.Time         `boil:"created_at"`
	UpdatedAt    time.Time         `boil:"updated_at"`
	LastLogin    null.Time         `boil:"last_login"`
}

type userRepository struct {
	exec core.DBExecutor
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(exec core.DBExecutor) *userRepository {
	return &userRepository{exec: exec}
}

func (repo userRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return repo.exec
}

func (repo userRepository) boil(usr user.User) profile {
	p := profile{
		ID:           usr.ID,
		FirstName:    usr.FirstName,
		LastName:     usr.LastName,
		Email:        null.NewString(usr.Email, usr.Email != ""),
		Phone:        null.NewString(usr.Phone, usr.Phone != ""),
		AvatarURL:    null.NewString(usr.AvatarURL, usr.AvatarURL != ""),
		Roles:        types.StringArray(usr.Roles),
		IsActive:     usr.Active(),
		PasswordHash: null.NewBytes(usr.PasswordHash, usr.PasswordHash != nil),
		CreatedAt:    usr.CreatedAt.UTC(),
		UpdatedAt:    usr.UpdatedAt.UTC(),
		LastLogin:    null.NewTime(usr.LastLogin.UTC(), !usr.LastLogin.IsZero()),
	}
	if p.Roles == nil {
		p.Roles = types.StringArray{}
	}
	return p
}

func (repo userRepository) unboil(p profile) user.User {
	usr := user.User{
		ID:           p.ID,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		Email:        p.Email.String,
		Phone:        p.Phone.String,
		AvatarURL:    p.AvatarURL.String,
		Roles:        []string(p.Roles),
		PasswordHash: p.PasswordHash.Bytes,
		CreatedAt:    p.CreatedAt.UTC(),
		UpdatedAt:    p.UpdatedAt.UTC(),
	}
	if p.LastLogin.Valid {
		usr.LastLogin = p.LastLogin.Time.UTC()
	}
	usr.SetActive(p.IsActive)
	return usr
}

// trapNoRowsErr maps psql "no rows" err to user.ErrNotFound
func (repo userRepository) trapNoRowsErr(err error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return user.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo userRepository) CreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	usr.ID = uuid.New().String()
	p := repo.boil(usr)

	var created profile
	err := queries.Raw(
		`INSERT INTO profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+profileColumns,
		p.ID, p.FirstName, p.LastName, p.Email, p.Phone, p.AvatarURL, p.Roles, p.IsActive, p.PasswordHash,
		p.CreatedAt, p.UpdatedAt, p.LastLogin,
	).Bind(ctx, repo.getExec(exec), &created)
	if err != nil {
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return repo.unboil(created), nil
}

func (repo userRepository) GetUser(ctx context.Context, filter user.GetFilter, exec ...core.DBExecutor) (user.User, error) {
	var p profile
	var err error
	exe := repo.getExec(exec)

	switch {
	case filter.ID != "":
		if _, err = uuid.Parse(filter.ID); err != nil {
			return user.User{}, user.ErrNotFound
		}
		err = queries.Raw(`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, filter.ID).Bind(ctx, exe, &p)
	case filter.Email != "":
		err = queries.Raw(`SELECT `+profileColumns+` FROM profiles WHERE email = $1`, filter.Email).Bind(ctx, exe, &p)
	default:
		return user.User{}, user.ErrNotFound
	}
	if err != nil {
		return user.User{}, repo.trapNoRowsErr(err, "finding user")
	}
	return repo.unboil(p), nil
}

func (repo userRepository) QueryUsers(ctx context.Context, filter *user.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]user.User, error) {
	var (
		where []string
		args  []interface{}
	)
	addArgs := func(vals ...interface{}) int {
		args = append(args, vals...)
		return len(args) - len(vals) + 1 // index of the first added arg
	}

	if filter != nil {
		// users with FirstName, LastName or Email matching the search keyword
		if filter.Search != "" {
			i := addArgs("%" + filter.Search + "%")
			where = append(where, fmt.Sprintf("(first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d)", i, i, i))
		}
		if len(filter.IDs) > 0 {
			ids := make([]interface{}, 0, len(filter.IDs))
			for _, id := range filter.IDs {
				if _, err := uuid.Parse(id); err == nil {
					ids = append(ids, id)
				}
			}
			if len(ids) == 0 {
				return []user.User{}, nil
			}
			i := addArgs(ids...)
			where = append(where, "id IN ("+strmangle.Placeholders(true, len(ids), i, 1)+")")
		}
		// users with any role that starts with any of the provided roles
		if len(filter.Roles) > 0 {
			roleConds := make([]string, 0, len(filter.Roles))
			for _, role := range filter.Roles {
				i := addArgs(role + "%")
				roleConds = append(roleConds, fmt.Sprintf("EXISTS (SELECT 1 FROM UNNEST(roles) user_role WHERE user_role ILIKE $%d)", i))
			}
			where = append(where, "("+strings.Join(roleConds, " OR ")+")")
		}
		if filter.IsActive != nil {
			i := addArgs(*filter.IsActive)
			where = append(where, fmt.Sprintf("is_active = $%d", i))
		}
	}

	q := `SELECT ` + profileColumns + ` FROM profiles`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	orderList := make([]string, 0, len(ordering)+1)
	for _, ord := range ordering {
		if col, ok := profileOrderings[ord.Field]; ok {
			orderList = append(orderList, core.DBOrdering{Field: col, Ascending: ord.Ascending}.String())
		}
	}
	if len(orderList) == 0 {
		orderList = append(orderList, "lower(first_name) ASC", "lower(last_name) ASC")
	}
	q += " ORDER BY " + strings.Join(append(orderList, "id ASC"), ", ")

	var rows []profile
	if err := queries.Raw(q, args...).Bind(ctx, repo.getExec(exec), &rows); err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	users := make([]user.User, 0, len(rows))
	for _, p := range rows {
		users = append(users, repo.unboil(p))
	}
	return users, nil
}

func (repo userRepository) UpdateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	if _, err := uuid.Parse(usr.ID); err != nil {
		return user.User{}, user.ErrNotFound
	}
	p := repo.boil(usr)

	var updated profile
	err := queries.Raw(
		`UPDATE profiles
		SET first_name = $2, last_name = $3, email = $4, phone = $5, avatar_url = $6, roles = $7, is_active = $8,
		    password_hash = $9, updated_at = $10, last_login = $11
		WHERE id = $1
		RETURNING `+profileColumns,
		p.ID, p.FirstName, p.LastName, p.Email, p.Phone, p.AvatarURL, p.Roles, p.IsActive, p.PasswordHash,
		p.UpdatedAt, p.LastLogin,
	).Bind(ctx, repo.getExec(exec), &updated)
	if err != nil {
		return user.User{}, repo.trapNoRowsErr(err, "updating user")
	}
	return repo.unboil(updated), nil
}
