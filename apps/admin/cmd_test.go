package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/user"
	logsvc "github.com/Brhansenane/academy-control-panel/services/logger"
	inmemdb "github.com/Brhansenane/academy-control-panel/storage/database/inmem"
	testutil "github.com/Brhansenane/academy-control-panel/tests"
)

const testPassword = "Tr1cky-Pass!"

var usrRepo user.Repository

func setup(t *testing.T) *commandLine {
	// set up DB & repos
	db := inmemdb.Open()
	usrRepo = inmemdb.NewUserRepository(db)

	validate, _ := testutil.Validator()
	user.LoadCommonPasswords(logsvc.NewLoggerMock())

	// start CLI
	return &commandLine{
		usrSvc:   user.NewService(nil, usrRepo),
		validate: validate,
	}
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantTag    string // failed validation tag
	extra      interface{}
}

func (tt cliTest) checkErr(t *testing.T, err error) {
	switch {
	case tt.wantErr != nil:
		assert.Equal(t, tt.wantErr, errCause(err))
	case tt.wantTag != "":
		var fieldErrs validator.ValidationErrors
		if assert.True(t, errors.As(err, &fieldErrs), "validation error expected, got %v", err) {
			require.Len(t, fieldErrs, 1)
			assert.Equal(t, tt.wantTag, fieldErrs[0].Tag())
		}
	case tt.wantErrStr != "":
		if assert.Error(t, err) {
			assert.Equal(t, tt.wantErrStr, err.Error())
		}
	default:
		assert.NoError(t, err)
	}
}

func errCause(err error) error {
	type causer interface{ Cause() error }
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return err
}

func mockPassword(pwd string) {
	readPasswordFunc = func(fd int) ([]byte, error) {
		return []byte(pwd), nil
	}
}

func Test_commandLine_run(t *testing.T) {
	cli := setup(t)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "migrate: no subcommand", args: []string{"migrate"}, wantErr: errHelp},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			tt.checkErr(t, cli.run(args))
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli := setup(t)

	var gotDir string
	gooseRunFunc = func(command string, db *sql.DB, fsys fs.FS, dir string, args ...string) error {
		gotDir = dir
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		// the migrations are embedded
		_, err := fs.Stat(fsys, dir+"/00002_create_messages.sql")
		return err
	}

	tests := []cliTest{
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "3"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "attachments", "sql"}},
		{name: "fix", args: []string{"migrate", "fix"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			gotDir = ""
			tt.checkErr(t, cli.run(args))
			assert.Equal(t, migrationsDir, gotDir)
		})
	}
}

func Test_commandLine_addUser(t *testing.T) {
	cli := setup(t)

	type extra struct {
		pwd       string
		wantRoles []string
	}
	tests := []cliTest{
		{name: "no args", args: []string{"adduser"}, wantErr: errHelp},
		{name: "no first name", args: []string{"adduser", "-email", "jane@test.cd"}, extra: extra{pwd: testPassword}, wantErr: errHelp},
		{name: "no password", args: []string{"adduser", "-email", "jane@test.cd", "-first", "Jane"}, wantErr: errHelp},
		{
			name: "weak password", args: []string{"adduser", "-email", "jane@test.cd", "-first", "Jane"},
			extra: extra{pwd: "12345678"}, wantTag: "pwdnotallnum",
		},
		{
			name: "invalid role", args: []string{"adduser", "-email", "jane@test.cd", "-first", "Jane", "-role", "wizard:"},
			extra: extra{pwd: testPassword}, wantTag: "allroles",
		},
		{
			name: "created", args: []string{"adduser", "-email", " Jane@Test.cd ", "-first", "Jane", "-last", "Doe", "-role", "admin:, teacher:"},
			extra: extra{pwd: testPassword, wantRoles: []string{user.RoleAdmin, user.RoleTeacher}},
		},
		{
			name: "email taken", args: []string{"adduser", "-email", "jane@test.cd", "-first", "Janet"},
			extra: extra{pwd: testPassword}, wantErr: user.ErrEmailExists,
		},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			ex, _ := tt.extra.(extra)
			mockPassword(ex.pwd)

			err := cli.run(args)
			if tt.wantErr == user.ErrEmailExists {
				var verr *core.ValidationError
				require.True(t, errors.As(err, &verr), "validation error expected, got %v", err)
				assert.Equal(t, user.ErrEmailExists, verr.Err)
				return
			}
			tt.checkErr(t, err)
			if err != nil {
				return
			}

			usr, err := usrRepo.GetUser(context.Background(), user.GetFilter{Email: "jane@test.cd"})
			require.NoError(t, err)
			assert.Equal(t, "Jane", usr.FirstName)
			assert.Equal(t, "Doe", usr.LastName)
			assert.Equal(t, ex.wantRoles, usr.Roles)
			assert.True(t, usr.Active())
			assert.NoError(t, usr.CheckPassword(testPassword))
		})
	}
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli := setup(t)

	usr := testutil.CreateUser(t, usrRepo, "User", "Awe", "awe@test.cd", testPassword, nil, true)

	type extra struct {
		pwd string
	}
	tests := []cliTest{
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "email but no password", args: []string{"resetpassword", "-email", "awe@test.cd"}, wantErr: errHelp},
		{name: "user not found", args: []string{"resetpassword", "-email", "lol@test.cd"}, extra: extra{pwd: "N3w-Secret!"}, wantErr: user.ErrNotFound},
		{
			name: "weak password", args: []string{"resetpassword", "-email", "awe@test.cd"}, extra: extra{pwd: "short"},
			wantTag: "pwdminlen",
		},
		{name: "reset", args: []string{"resetpassword", "-email", "AWE@test.cd"}, extra: extra{pwd: "N3w-Secret!"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			ex, _ := tt.extra.(extra)
			mockPassword(ex.pwd)

			err := cli.run(args)
			tt.checkErr(t, err)

			refreshedUsr, rerr := usrRepo.GetUser(context.Background(), user.GetFilter{ID: usr.ID})
			require.NoError(t, rerr)
			changed := !bytes.Equal(refreshedUsr.PasswordHash, usr.PasswordHash)
			assert.Equal(t, err == nil, changed, "password changed")
		})
	}
}
