package main

import (
	"context"
	"database/sql"
	"expvar"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	echoapi "github.com/Brhansenane/academy-control-panel/apps/api/echo"
	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/message"
	"github.com/Brhansenane/academy-control-panel/core/user"
	emailsvc "github.com/Brhansenane/academy-control-panel/services/email"
	logsvc "github.com/Brhansenane/academy-control-panel/services/logger"
	"github.com/Brhansenane/academy-control-panel/services/realtime"
	"github.com/Brhansenane/academy-control-panel/storage/database"
	inmemdb "github.com/Brhansenane/academy-control-panel/storage/database/inmem"
	boiledrepos "github.com/Brhansenane/academy-control-panel/storage/database/sqlboiler"
	sqlxrepos "github.com/Brhansenane/academy-control-panel/storage/database/sqlx"
)

// storage holds the repositories of the configured store.
type storage struct {
	db      *sql.DB // nil for the in-memory store
	usrRepo user.Repository
	msgRepo message.Repository
}

// realtimeDeps is the live update stack of the configured driver.
type realtimeDeps struct {
	broker    message.Broker
	publisher message.Publisher // nil when the store announces inserts itself
	closer    io.Closer
}

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	dbLogger.Enable(!conf.Debug)

	// set up storage
	store, err := setUpStorage(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up storage: %v", err), err)
	}
	if store.db != nil {
		defer func() {
			if err = store.db.Close(); err != nil {
				dbLogger.Error("Failed to close", err)
			}
		}()
	}

	// set up live updates
	rt, err := setUpRealtime(conf, logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up realtime driver %q: %v", conf.Realtime.Driver, err), err)
	}
	defer func() {
		if err = rt.closer.Close(); err != nil {
			logger.Error(fmt.Sprintf("closing realtime driver: %v", err), err)
		}
	}()

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	var coreDB core.DB
	if store.db != nil {
		coreDB = store.db
	}
	usrSvc := user.NewService(coreDB, store.usrRepo)

	var notifier message.Notifier
	if conf.Messaging.EmailNotifications {
		notifier = message.NewEmailNotifier(usrSvc, mailSvc, logger)
	}
	msgSvc := message.NewService(store.msgRepo, usrSvc, rt.publisher, notifier, logger)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	core.ParseEmailTemplates(conf, logger)

	user.LoadCommonPasswords(logger)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("messaging.store").Set(conf.Messaging.Store)
	expvar.NewString("realtime.driver").Set(conf.Realtime.Driver)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			UserSvc:    usrSvc,
			MessageSvc: msgSvc,
			Broker:     rt.broker,
			Validate:   validate,
			Translator: translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Error(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Error(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpStorage(conf *core.Config) (storage, error) {
	switch conf.Messaging.Store {
	case "memory":
		db := inmemdb.Open()
		return storage{
			usrRepo: inmemdb.NewUserRepository(db),
			msgRepo: inmemdb.NewMessageRepository(db),
		}, nil

	case "postgres":
		db, err := setUpDB(conf)
		if err != nil {
			return storage{}, err
		}
		return storage{
			db:      db,
			usrRepo: boiledrepos.NewUserRepository(db),
			msgRepo: sqlxrepos.NewMessageRepository(database.Wrap(db, conf)),
		}, nil

	default:
		return storage{}, errors.Errorf("unsupported messaging store %q", conf.Messaging.Store)
	}
}

func setUpDB(conf *core.Config) (*sql.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func setUpRealtime(conf *core.Config, logger core.Logger) (realtimeDeps, error) {
	switch conf.Realtime.Driver {
	case core.RealtimeLocal:
		hub := realtime.NewHub(conf.Realtime.BufferSize, logger)
		return realtimeDeps{broker: hub, publisher: hub, closer: hub}, nil

	case core.RealtimePostgres:
		if conf.Messaging.Store != "postgres" {
			return realtimeDeps{}, errors.New("the postgres driver requires the postgres store")
		}
		broker, err := realtime.NewPGBroker(database.DSN(conf), realtime.NewHub(conf.Realtime.BufferSize, logger), logger)
		if err != nil {
			return realtimeDeps{}, err
		}
		// inserts are announced by the messages table trigger
		return realtimeDeps{broker: broker, closer: broker}, nil

	case core.RealtimeRedis:
		broker, err := realtime.NewRedisBroker(conf.Realtime.RedisURL, conf.Realtime.BufferSize, logger)
		if err != nil {
			return realtimeDeps{}, err
		}
		return realtimeDeps{broker: broker, publisher: broker, closer: broker}, nil

	default:
		return realtimeDeps{}, errors.Errorf("unsupported realtime driver %q", conf.Realtime.Driver)
	}
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
