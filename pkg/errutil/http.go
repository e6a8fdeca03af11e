package errutil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

const GenericMessage = "something went wrong, please try again"

// From normalises err into a BaseError. Errors that do not carry a status
// become a generic internal error so no storage or provider detail leaks out.
func From(err error) BaseError {
	var base BaseError
	if errors.As(err, &base) {
		return base
	}

	switch {
	case errors.Is(err, context.Canceled):
		return BaseError{Code: StatusClientClosedRequest, Message: "request canceled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return BaseError{Code: StatusTimeout, Message: "request timed out", Err: err}
	}

	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return BaseError{Code: coder.Status(), Message: http.StatusText(coder.Status().HTTPStatus()), Err: err}
	}

	return BaseError{Code: StatusInternal, Message: GenericMessage, Err: err}
}

// WriteError renders err as a JSON error body. Server-side failures are logged
// with their cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error, headers ...func(http.Header)) {
	be := From(err)
	code := be.Code.HTTPStatus()

	if code >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(be.Code)),
			zap.Error(err),
		)
	}

	for _, h := range headers {
		h(w.Header())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(be.JSON())
}
