package echoapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/notify"
)

// batchFlushMiddleware collects the notifications queued while serving a request
// and sends them once the response has been written.
// The flush outlives the request under its own timeout.
func batchFlushMiddleware(dispatcher *notify.Dispatcher, logger core.Logger, timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if dispatcher == nil || !dispatcher.Batch() {
				return next(ctx)
			}

			q := notify.NewQueue()
			req := ctx.Request()
			ctx.SetRequest(req.WithContext(notify.WithQueue(req.Context(), q)))

			err := next(ctx)
			if q.Len() == 0 {
				return err
			}
			if err != nil {
				// let echo write the error response before flushing
				ctx.Error(err)
				err = nil
			}
			if f, ok := ctx.Response().Writer.(http.Flusher); ok {
				f.Flush()
			}

			fctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), timeout)
			defer cancel()
			sent, failed := dispatcher.Flush(fctx, q)
			if failed > 0 {
				logger.Warn(fmt.Sprintf("batch flush: %d sent, %d failed", sent, failed))
			} else {
				logger.Debug(fmt.Sprintf("batch flush: %d sent", sent))
			}
			return err
		}
	}
}
