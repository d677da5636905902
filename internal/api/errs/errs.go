// Package errs provides the error type returned by every API handler.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/go-playground/validator/v10"
)

// ErrCode represents an error code in the system.
type ErrCode struct {
	value  int
	name   string
	status int
}

// Value returns the integer value of the error code.
func (ec ErrCode) Value() int { return ec.value }

// String returns the string representation of the error code.
func (ec ErrCode) String() string { return ec.name }

// The set of error codes handlers can return.
var (
	OK                 = ErrCode{value: 0, name: "ok", status: http.StatusOK}
	InvalidArgument    = ErrCode{value: 3, name: "invalid_argument", status: http.StatusBadRequest}
	NotFound           = ErrCode{value: 5, name: "not_found", status: http.StatusNotFound}
	FailedPrecondition = ErrCode{value: 9, name: "failed_precondition", status: http.StatusConflict}
	Internal           = ErrCode{value: 13, name: "internal", status: http.StatusInternalServerError}
	Unavailable        = ErrCode{value: 14, name: "unavailable", status: http.StatusServiceUnavailable}
)

// Error represents an error in the system.
type Error struct {
	Code     ErrCode `json:"-"`
	CodeName string  `json:"code"`
	Message  string  `json:"message"`
	FuncName string  `json:"-"`
	FileName string  `json:"-"`
}

// New constructs an error based on an app error.
func New(code ErrCode, err error) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		CodeName: code.String(),
		Message:  err.Error(),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// Newf constructs an error based on a error message.
func Newf(code ErrCode, format string, v ...any) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		CodeName: code.String(),
		Message:  fmt.Sprintf(format, v...),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Encode implements the web.Encoder interface.
func (e *Error) Encode() ([]byte, string, error) {
	data, err := json.Marshal(e)
	return data, "application/json", err
}

// HTTPStatus implements the web.httpStatus interface.
func (e *Error) HTTPStatus() int { return e.Code.status }

// GetError returns a copy of the Error pointer.
func GetError(err error) *Error {
	var er *Error
	if !errors.As(err, &er) {
		return nil
	}
	return er
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Check validates the provided model against its declared tags.
func Check(val any) error {
	if err := validate.Struct(val); err != nil {
		var verrors validator.ValidationErrors
		if !errors.As(err, &verrors) {
			return err
		}

		fields := make([]string, 0, len(verrors))
		for _, verror := range verrors {
			fields = append(fields, fmt.Sprintf("%s: %s", verror.Field(), verror.Tag()))
		}
		return fmt.Errorf("validation failed: %v", fields)
	}

	return nil
}
