package main

import (
	"context"

	"github.com/Brhansenane/academy-control-panel/core/user"
)

func (cli *commandLine) resetPassword(email, pwd string) error {
	ctx := context.Background()
	usr, err := cli.usrSvc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}

	sp := user.SetPassword{Email: usr.Email, Password: pwd, PasswordConfirm: pwd}
	if err = sp.Validate(cli.validate, usr); err != nil {
		return err
	}
	_, err = cli.usrSvc.SetPassword(ctx, sp)
	return err
}
