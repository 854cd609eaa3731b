package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/middleware"
)

// ErrorHandler returns an Echo HTTPErrorHandler that answers with the bare
// status text. Details of non-HTTP errors are logged, never sent.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			logger.Error("error after response was committed", "err", err, "path", middleware.LogPath(c.Request().URL.Path))
			return
		}

		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		} else {
			logger.Error("internal error", "err", err, "path", middleware.LogPath(c.Request().URL.Path))
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.String(code, http.StatusText(code)+"\n")
		}
		if werr != nil {
			logger.Error("writing error response", "err", werr)
		}
	}
}
