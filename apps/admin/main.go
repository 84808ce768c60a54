package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/user"
	logsvc "github.com/Brhansenane/academy-control-panel/services/logger"
	"github.com/Brhansenane/academy-control-panel/storage/database"
	boiledrepos "github.com/Brhansenane/academy-control-panel/storage/database/sqlboiler"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	// set up DB
	if err := database.CreateIfNotExist(conf); err != nil {
		logger.Fatal(fmt.Sprintf("creating database: %v", err), err)
	}
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}

	validate := validator.New()
	_en := en.New()
	translator, _ := ut.New(_en, _en).GetTranslator("en")
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	user.LoadCommonPasswords(logger)

	// start CLI
	cli := commandLine{
		db:       db,
		usrSvc:   user.NewService(db, boiledrepos.NewUserRepository(db)),
		validate: validate,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			printError(err, translator)
		}
		os.Exit(1)
	}
}

func printError(err error, translator ut.Translator) {
	var fieldErrs validator.ValidationErrors
	var verr *core.ValidationError
	switch {
	case errors.As(err, &fieldErrs):
		for _, fe := range fieldErrs {
			fmt.Printf("\nerror: %s: %s\n", fe.Field(), fe.Translate(translator))
		}
	case errors.As(err, &verr) && len(verr.Fields) > 0:
		for _, fe := range verr.Fields {
			fmt.Printf("\nerror: %s: %s\n", fe.Field, fe.Error)
		}
	default:
		fmt.Printf("\nerror: %s\n", err)
	}
}
