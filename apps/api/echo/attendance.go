package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/checkin"
	"github.com/trezcool/kanisa/core/roster"
)

type attendanceApi struct {
	rosterSvc  *roster.Service
	checkinSvc *checkin.Service
	logger     core.Logger
	validate   *validator.Validate
	translator ut.Translator
}

func registerAttendanceAPI(g *echo.Group, deps ServerDeps) {
	api := attendanceApi{
		rosterSvc:  deps.RosterSvc,
		checkinSvc: deps.CheckinSvc,
		logger:     deps.Logger,
		validate:   deps.Validate,
		translator: deps.Translator,
	}

	g.GET("/sessions", api.sessions)
	g.GET("/roster", api.roster)
	g.GET("/stats", api.stats)

	flush := batchFlushMiddleware(deps.Dispatcher, deps.Logger, deps.Conf.Attendance.FlushTimeout)
	g.POST("/checkin", api.checkIn, flush)
	g.POST("/checkin/undo", api.undo)
}

// Handlers

func (api *attendanceApi) sessions(ctx echo.Context) error {
	ids, err := bindSessionIDs(ctx)
	if err != nil {
		return err
	}
	sessions, err := api.rosterSvc.ActiveSessions(ctx.Request().Context(), ids)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sessions)
}

func (api *attendanceApi) roster(ctx echo.Context) error {
	req, err := bindPageRequest(ctx)
	if err != nil {
		return err
	}
	if err = req.Validate(api.validate, api.translator); err != nil {
		return err
	}
	page, err := api.rosterSvc.Page(ctx.Request().Context(), req)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, page)
}

func (api *attendanceApi) stats(ctx echo.Context) error {
	ids, err := bindSessionIDs(ctx)
	if err != nil {
		return err
	}
	stats, err := api.rosterSvc.ComputeStats(ctx.Request().Context(), ids)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, stats)
}

// checkIn always answers 200: the outcome is carried by {success, reason}.
func (api *attendanceApi) checkIn(ctx echo.Context) error {
	var req checkin.Request
	if err := ctx.Bind(&req); err != nil {
		api.logger.Debug(errors.Wrap(err, "binding to checkin.Request").Error())
		return ctx.JSON(http.StatusOK, checkin.Response{Reason: checkin.ReasonMissingParameters})
	}
	return ctx.JSON(http.StatusOK, api.checkinSvc.CheckIn(ctx.Request().Context(), req))
}

func (api *attendanceApi) undo(ctx echo.Context) error {
	var req checkin.UndoRequest
	if err := ctx.Bind(&req); err != nil {
		api.logger.Debug(errors.Wrap(err, "binding to checkin.UndoRequest").Error())
		return ctx.JSON(http.StatusOK, checkin.Response{Reason: checkin.ReasonMissingParameters})
	}
	return ctx.JSON(http.StatusOK, api.checkinSvc.Undo(ctx.Request().Context(), req))
}
