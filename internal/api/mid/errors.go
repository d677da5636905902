package mid

import (
	"context"
	"net/http"
	"path"

	"github.com/ahrav/issue-reindex/internal/api/errs"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/web"
)

// Errors handles errors coming out of the call chain. Anything that is not an
// *errs.Error is reported to the client as an internal error.
func Errors(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)
			err := isError(resp)
			if err == nil {
				return resp
			}

			appErr := errs.GetError(err)
			if appErr == nil {
				appErr = errs.Newf(errs.Internal, "internal server error")
			}

			log.Error(ctx, "handled error during request",
				"err", err,
				"source_err_file", path.Base(appErr.FileName),
				"source_err_func", path.Base(appErr.FuncName))

			if appErr.Code == errs.Internal {
				appErr.Message = "internal server error"
			}

			return appErr
		}

		return h
	}

	return m
}

func isError(e web.Encoder) error {
	err, isError := e.(error)
	if isError {
		return err
	}
	return nil
}
