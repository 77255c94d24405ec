package echoapi

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/roster"
)

var sessionIDParam = "session_id"

// bindSessionIDs reads session ids from repeated and/or comma separated session_id params.
func bindSessionIDs(ctx echo.Context) ([]int, error) {
	vals := ctx.QueryParams()[sessionIDParam]
	ids := make([]int, 0, len(vals))
	for _, val := range vals {
		for _, raw := range strings.Split(val, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, err := strconv.Atoi(raw)
			if err != nil || id <= 0 {
				return nil, core.NewValidationError(nil, core.FieldError{Field: sessionIDParam, Error: "invalid session id " + raw})
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// bindPageRequest binds the roster paging params. Missing params keep their zero values.
func bindPageRequest(ctx echo.Context) (roster.PageRequest, error) {
	var req roster.PageRequest
	ids, err := bindSessionIDs(ctx)
	if err != nil {
		return req, err
	}
	req.SessionIDs = ids

	err = echo.QueryParamsBinder(ctx).
		Int("page", &req.Page).
		Int("page_size", &req.PageSize).
		String("alpha", &req.Alpha).
		String("search", &req.Search).
		String("view", &req.View).
		BindError()
	if err != nil {
		return req, core.NewValidationError(err)
	}
	return req, nil
}
