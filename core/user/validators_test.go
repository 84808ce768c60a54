package user_test

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brhansenane/academy-control-panel/core/user"
	logsvc "github.com/Brhansenane/academy-control-panel/services/logger"
	testutil "github.com/Brhansenane/academy-control-panel/tests"
)

func failedTags(t *testing.T, err error) map[string]string {
	t.Helper()
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	require.True(t, errors.As(err, &fieldErrs), "validation error expected, got %v", err)
	tags := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		if _, ok := tags[fe.Field()]; !ok { // first failure only
			tags[fe.Field()] = fe.Tag()
		}
	}
	return tags
}

func TestNewUser_Validate(t *testing.T) {
	validate, _ := testutil.Validator()
	user.LoadCommonPasswords(logsvc.NewLoggerMock())

	valid := func() user.NewUser {
		return user.NewUser{
			FirstName:       " Jane ",
			LastName:        "Doe",
			Email:           " Jane@Test.CD",
			Password:        "Tr1cky-Pass!",
			PasswordConfirm: "Tr1cky-Pass!",
			Roles:           []string{user.RoleTeacher},
		}
	}
	withPwd := func(pwd string) user.NewUser {
		nu := valid()
		nu.Password, nu.PasswordConfirm = pwd, pwd
		return nu
	}

	tests := []struct {
		name     string
		nu       user.NewUser
		wantTags map[string]string
	}{
		{name: "valid", nu: valid()},
		{
			name:     "required fields",
			nu:       user.NewUser{},
			wantTags: map[string]string{"first_name": "required", "email": "required", "password": "required", "password_confirm": "required"},
		},
		{name: "invalid email", nu: func() user.NewUser { nu := valid(); nu.Email = "jane"; return nu }(), wantTags: map[string]string{"email": "email"}},
		{name: "invalid avatar", nu: func() user.NewUser { nu := valid(); nu.AvatarURL = "lol"; return nu }(), wantTags: map[string]string{"avatar_url": "url"}},
		{name: "invalid role", nu: func() user.NewUser { nu := valid(); nu.Roles = []string{"wizard:"}; return nu }(), wantTags: map[string]string{"roles": "allroles"}},
		{
			name:     "passwords mismatch",
			nu:       func() user.NewUser { nu := valid(); nu.PasswordConfirm = "Tr1cky-Pass?"; return nu }(),
			wantTags: map[string]string{"password_confirm": "eqfield"},
		},
		{name: "too short", nu: withPwd("Sh0rt!"), wantTags: map[string]string{"password": "pwdminlen"}},
		{name: "whitespace", nu: withPwd("Tr1cky Pass!"), wantTags: map[string]string{"password": "pwdnospace"}},
		{name: "all numeric", nu: withPwd("1234567890"), wantTags: map[string]string{"password": "pwdnotallnum"}},
		{name: "not complex", nu: withPwd("trickypass"), wantTags: map[string]string{"password": "pwdcplx"}},
		{name: "similar to email", nu: withPwd("J@ne@test.cd1"), wantTags: map[string]string{"password": "pwdtoosim"}},
		{name: "common", nu: withPwd("P@ssw0rd"), wantTags: map[string]string{"password": "pwdnocommon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nu := tt.nu
			err := nu.Validate(validate)
			assert.Equal(t, tt.wantTags, failedTags(t, err))
		})
	}

	t.Run("cleaned", func(t *testing.T) {
		nu := valid()
		require.NoError(t, nu.Validate(validate))
		assert.Equal(t, "Jane", nu.FirstName)
		assert.Equal(t, "jane@test.cd", nu.Email)
	})
}

func TestSetPassword_Validate(t *testing.T) {
	validate, _ := testutil.Validator()
	usr := user.User{FirstName: "Hero", LastName: "Student", Email: "hero@test.cd"}

	tests := []struct {
		name     string
		pwd      string
		wantTags map[string]string
	}{
		{name: "valid", pwd: "N3w-Secret!"},
		{name: "similar to email", pwd: "Hero@test.cd1", wantTags: map[string]string{"password": "pwdtoosim"}},
		{name: "too short", pwd: "N3w!", wantTags: map[string]string{"password": "pwdminlen"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := user.SetPassword{Email: " HERO@test.cd ", Password: tt.pwd, PasswordConfirm: tt.pwd}
			err := sp.Validate(validate, usr)
			assert.Equal(t, tt.wantTags, failedTags(t, err))
			assert.Equal(t, "hero@test.cd", sp.Email)
		})
	}
}
