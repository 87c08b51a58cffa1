package federation

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard Matrix error codes used on this server's federation surface.
const (
	CodeForbidden               = "M_FORBIDDEN"
	CodeNotFound                = "M_NOT_FOUND"
	CodeUnknown                 = "M_UNKNOWN"
	CodeMissingParam            = "M_MISSING_PARAM"
	CodeBadJSON                 = "M_BAD_JSON"
	CodeIncompatibleRoomVersion = "M_INCOMPATIBLE_ROOM_VERSION"
)

// MatrixError is a protocol rejection carried to the HTTP boundary,
// where it becomes a `{"errcode": ...}` body with the given status.
// Callers use errors.As to extract it:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) { ... }
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// AsMatrixError extracts a *MatrixError from an error chain, or wraps
// any other error into a generic 500 M_UNKNOWN. Storage and encoding
// failures are deliberately not detailed to remote callers.
func AsMatrixError(err error) *MatrixError {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr
	}
	return &MatrixError{Code: CodeUnknown, StatusCode: http.StatusInternalServerError}
}

func errForbidden(message string) *MatrixError {
	return &MatrixError{Code: CodeForbidden, Message: message, StatusCode: http.StatusForbidden}
}

func errNotFound(message string) *MatrixError {
	return &MatrixError{Code: CodeNotFound, Message: message, StatusCode: http.StatusNotFound}
}

func errIncompatibleRoomVersion(supported string) *MatrixError {
	return &MatrixError{
		Code:       CodeIncompatibleRoomVersion,
		Message:    "this server only supports room version " + supported,
		StatusCode: http.StatusBadRequest,
	}
}

func errBadJSON(message string) *MatrixError {
	return &MatrixError{Code: CodeBadJSON, Message: message, StatusCode: http.StatusBadRequest}
}
