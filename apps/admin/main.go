package main

import (
	"context"
	"fmt"
	"os"

	"github.com/trezcool/kanisa/apps/shared"
	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/storage/database"
	sqlxrepos "github.com/trezcool/kanisa/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	logger := shared.NewLogger(conf, "ADMIN")

	// set up DB
	ctx := context.Background()
	if err := database.CreateIfNotExist(ctx, conf); err != nil {
		logger.Fatal(fmt.Sprintf("creating database: %v", err), err)
	}
	db, err := database.Open(ctx, conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}

	tmpls, err := shared.NewTemplates(conf)
	if err != nil {
		logger.Fatal(err.Error(), err)
	}

	// start CLI
	cli := commandLine{
		db:        db.DB,
		store:     sqlxrepos.NewRosterRepository(db),
		mailSvc:   shared.NewMailService(conf, logger),
		templates: tmpls,
		clock:     core.SystemClock,
		conf:      conf,
		logger:    logger,
		out:       os.Stdout,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	logger.Flush()

	if err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}
