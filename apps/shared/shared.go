// Package shared wires the attendance services used by both the API and the admin CLI.
package shared

import (
	"context"
	"log"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/checkin"
	"github.com/trezcool/kanisa/core/notify"
	"github.com/trezcool/kanisa/core/roster"
	appfs "github.com/trezcool/kanisa/fs"
	emailsvc "github.com/trezcool/kanisa/services/email"
	logsvc "github.com/trezcool/kanisa/services/logger"
	"github.com/trezcool/kanisa/storage/database"
)

type Services struct {
	Roster     *roster.Service
	Engine     *attendance.Engine
	Dispatcher *notify.Dispatcher
	Checkin    *checkin.Service
	Validate   *validator.Validate
	Translator ut.Translator
}

// NewLogger returns a stdout logger reporting to Rollbar outside debug mode.
func NewLogger(conf *core.Config, prefix string) *logsvc.RollbarLogger {
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, prefix+" : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)
	return logger
}

// NewValidator instantiates a validator with english messages.
func NewValidator() (*validator.Validate, ut.Translator) {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")

	validate := validator.New()
	core.InitValidators(validate, translator)
	return validate, translator
}

// NewTemplates parses the embedded email templates. Strict parsing is used in debug mode
// so template mistakes surface at start up.
func NewTemplates(conf *core.Config) (*core.Templates, error) {
	tmpls, err := core.ParseTemplates(appfs.FS, appfs.EmailDir, conf.AppName, conf.Debug)
	return tmpls, errors.Wrap(err, "parsing email templates")
}

// NewMailService prints emails in debug mode and sends them through SendGrid otherwise.
func NewMailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

// SetUpDB creates the database when missing, opens it and applies pending migrations.
func SetUpDB(ctx context.Context, conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(ctx, conf); err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(ctx, db.DB, "up"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func NewServices(
	store roster.Store,
	mailSvc core.EmailService,
	templates *core.Templates,
	clock core.Clock,
	conf *core.Config,
	logger core.Logger,
) Services {
	validate, translator := NewValidator()

	engine := attendance.NewEngine(store, clock, conf, logger)
	dispatcher := notify.NewDispatcher(store, notify.NewMailGateway(mailSvc, templates, logger), clock, conf, logger)
	return Services{
		Roster:     roster.NewService(store, clock, conf, logger),
		Engine:     engine,
		Dispatcher: dispatcher,
		Checkin:    checkin.NewService(engine, dispatcher, conf, logger, validate, translator),
		Validate:   validate,
		Translator: translator,
	}
}
