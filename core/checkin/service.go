package checkin

import (
	"context"
	"fmt"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/notify"
	"github.com/trezcool/kanisa/core/roster"
)

// Failure reasons
const (
	ReasonNone              = "none"
	ReasonMissingParameters = "missing_parameters"
	ReasonCheckInFailed     = "check_in_failed"
	ReasonGeneralError      = "general_error"
)

type (
	Request struct {
		PersonID             int    `json:"person_id" validate:"required,gt=0"`
		SessionID            int    `json:"session_id" validate:"required,gt=0"`
		PersonName           string `json:"person_name" validate:"omitempty,max=200"`
		NotificationTemplate string `json:"notification_template" validate:"omitempty,tmplselector"`
	}

	UndoRequest struct {
		PersonID  int `json:"person_id" validate:"required,gt=0"`
		SessionID int `json:"session_id" validate:"required,gt=0"`
	}

	// Response is deliberately minimal: callers refresh their own counters and rows.
	Response struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	}
)

func (req *Request) Clean() {
	req.PersonName = core.CleanString(req.PersonName)
	req.NotificationTemplate = core.CleanString(req.NotificationTemplate, true)
}

func (req Request) Validate(validate *validator.Validate, translator ut.Translator) error {
	return core.ValidateStruct(validate, translator, req)
}

func (req UndoRequest) Validate(validate *validator.Validate, translator ut.Translator) error {
	return core.ValidateStruct(validate, translator, req)
}

func success() Response { return Response{Success: true, Reason: ReasonNone} }

func failure(reason string) Response { return Response{Success: false, Reason: reason} }

type Service struct {
	engine       *attendance.Engine
	dispatcher   *notify.Dispatcher
	logger       core.Logger
	validate     *validator.Validate
	translator   ut.Translator
	storeTimeout time.Duration
}

func NewService(
	engine *attendance.Engine,
	dispatcher *notify.Dispatcher,
	conf *core.Config,
	logger core.Logger,
	validate *validator.Validate,
	translator ut.Translator,
) *Service {
	return &Service{
		engine:       engine,
		dispatcher:   dispatcher,
		logger:       logger,
		validate:     validate,
		translator:   translator,
		storeTimeout: conf.Attendance.StoreTimeout,
	}
}

func (svc *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if svc.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, svc.storeTimeout)
}

// failureReason maps an engine error onto the response reason, logging unexpected ones.
func (svc *Service) failureReason(op string, req Request, err error) Response {
	switch {
	case core.IsValidation(err):
		return failure(ReasonMissingParameters)
	case core.IsNotFound(err):
		svc.logger.Info(fmt.Sprintf("%s: %v", op, err))
		return failure(ReasonCheckInFailed)
	default:
		svc.logger.Error(fmt.Sprintf("%s: %v", op, err), err, roster.Person{ID: req.PersonID, DisplayName: req.PersonName})
		return failure(ReasonGeneralError)
	}
}

// CheckIn marks one person present and, on a real transition, notifies.
// Notification problems never change the response.
func (svc *Service) CheckIn(ctx context.Context, req Request) Response {
	req.Clean()
	if err := req.Validate(svc.validate, svc.translator); err != nil {
		return failure(ReasonMissingParameters)
	}

	sctx, cancel := svc.withTimeout(ctx)
	already, err := svc.engine.CheckIn(sctx, req.PersonID, req.SessionID)
	cancel()
	if err != nil {
		return svc.failureReason("checking in", req, err)
	}
	if already {
		return success()
	}

	// the mutation is committed: notify even if the caller goes away
	dctx, cancel := svc.withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	if _, err = svc.dispatcher.Dispatch(dctx, req.PersonID, req.PersonName, req.SessionID, req.NotificationTemplate); err != nil {
		nErr := core.NewNotificationError("", err)
		svc.logger.Warn(fmt.Sprintf("dispatching check-in notification: %v", nErr), nErr)
	}
	return success()
}

// Undo clears today's check-in. Undoing an absent person succeeds.
func (svc *Service) Undo(ctx context.Context, req UndoRequest) Response {
	if err := req.Validate(svc.validate, svc.translator); err != nil {
		return failure(ReasonMissingParameters)
	}

	sctx, cancel := svc.withTimeout(ctx)
	defer cancel()
	if _, err := svc.engine.UndoCheckIn(sctx, req.PersonID, req.SessionID); err != nil {
		return svc.failureReason("undoing check-in", Request{PersonID: req.PersonID, SessionID: req.SessionID}, err)
	}
	return success()
}
