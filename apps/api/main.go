package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"

	echoapi "github.com/trezcool/kanisa/apps/api/echo"
	"github.com/trezcool/kanisa/apps/shared"
	"github.com/trezcool/kanisa/core"
	sqlxrepos "github.com/trezcool/kanisa/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := shared.NewLogger(conf, "API")
	dbLogger := shared.NewLogger(conf, "DB")
	defer logger.Flush()

	// set up DB
	db, err := shared.SetUpDB(context.Background(), conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			dbLogger.Error("Failed to close", err)
		}
	}()

	// set up services
	tmpls, err := shared.NewTemplates(conf)
	if err != nil {
		logger.Fatal(err.Error(), err)
	}
	mailSvc := shared.NewMailService(conf, logger)
	svcs := shared.NewServices(sqlxrepos.NewRosterRepository(db), mailSvc, tmpls, core.SystemClock, conf, logger)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	if _, err = conf.Location(); err != nil {
		logger.Warn(err.Error(), err)
	}

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("notification_mode").Set(conf.Attendance.NotificationMode)

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
			DB:         db,
			RosterSvc:  svcs.Roster,
			CheckinSvc: svcs.Checkin,
			Dispatcher: svcs.Dispatcher,
			Validate:   svcs.Validate,
			Translator: svcs.Translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

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

		// send what is left in the process wide batch queue
		if svcs.Dispatcher.Batch() {
			fctx, fcancel := context.WithTimeout(context.Background(), conf.Attendance.FlushTimeout)
			sent, failed := svcs.Dispatcher.Flush(fctx, nil)
			fcancel()
			logger.Info(fmt.Sprintf("final flush: %d sent, %d failed", sent, failed))
		}
	}
}
