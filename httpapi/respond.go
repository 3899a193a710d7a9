// Package httpapi wires the finalize/readproxy/reaper/chunkupload/session
// services onto Gin routes: the 9 endpoints of spec.md §6 plus the
// supplemented /metrics endpoint. It generalizes the teacher's
// controller/respond package (a struct-and-c.JSON-call response envelope
// plus a Success/error-helper pair) onto ferr.Error's canonical taxonomy
// instead of a single generic error string.
package httpapi

import (
	"github.com/gin-gonic/gin"

	"floe/ferr"
)

// envelope is a {data:...} success wrapper; respondOK does not use it, and
// errors are rendered through errorEnvelope.
type envelope struct {
	Data any `json:"data,omitempty"`
}

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// respondOK writes data as the top-level JSON body with the given status.
// The 9 endpoints in spec.md §6 each return a flat object, not a
// {data:...} wrapper, so this writes data directly.
func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

// respondErr renders any error through the canonical envelope. Errors that
// are not *ferr.Error are folded into ErrInternal so a bug never leaks a Go
// error string to a client.
func respondErr(c *gin.Context, err error) {
	fe, ok := err.(*ferr.Error)
	if !ok {
		fe = ferr.ErrInternal
	}
	c.JSON(fe.HTTPStatus, errorEnvelope{Error: errorBody{
		Code:      fe.Code,
		Message:   fe.Message,
		Retryable: fe.Retryable,
		Details:   fe.Details,
	}})
}
