package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/wire/xmldoc"
)

// Result is the outcome of an endpoint, ready to be written to the client.
// InternalMsg is only ever logged.
type Result struct {
	Status      int
	IsErr       bool
	InternalMsg string
	Body        []byte

	hdrs [][2]string
}

// WithHeader returns a copy of r that also sets the named header.
func (r Result) WithHeader(name, val string) Result {
	cp := r
	cp.hdrs = append(append([][2]string(nil), r.hdrs...), [2]string{name, val})
	return cp
}

// WriteResponse writes the status, headers and body of r to w.
func (r Result) WriteResponse(w http.ResponseWriter) {
	// if this hasn't been properly created, panic
	if r.Status == 0 {
		panic("result not populated")
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	for i := range r.hdrs {
		w.Header().Set(r.hdrs[i][0], r.hdrs[i][1])
	}

	w.WriteHeader(r.Status)

	if r.Status != http.StatusNoContent {
		w.Write(r.Body)
	}
}

// OK returns a Result containing an HTTP-200 with the given XML document. If
// internalMsg is given, the first element is a format string for the rest.
func OK(doc []byte, internalMsg ...interface{}) Result {
	return Result{
		Status:      http.StatusOK,
		InternalMsg: internalFormat("OK", internalMsg),
		Body:        doc,
	}
}

// Err returns a Result for a failed request. The body is an Error document
// holding userMsg.
func Err(status int, href, userMsg string, internalMsg ...interface{}) Result {
	return Result{
		Status:      status,
		IsErr:       true,
		InternalMsg: internalFormat(http.StatusText(status), internalMsg),
		Body:        xmldoc.EncodeError(href, userMsg),
	}
}

// BadRequest returns a Result containing an HTTP-400.
func BadRequest(href, userMsg string, internalMsg ...interface{}) Result {
	return Err(http.StatusBadRequest, href, userMsg, internalMsg...)
}

// NotFound returns a Result containing an HTTP-404.
func NotFound(href string, internalMsg ...interface{}) Result {
	return Err(http.StatusNotFound, href, "The requested resource was not found", internalMsg...)
}

// Unauthorized returns a Result containing an HTTP-401 along with the proper
// WWW-Authenticate header.
func Unauthorized(href string, internalMsg ...interface{}) Result {
	return Err(http.StatusUnauthorized, href, "You are not authorized to do that", internalMsg...).
		WithHeader("WWW-Authenticate", `Basic realm="vone fake server", charset="utf-8"`)
}

// MethodNotAllowed returns a Result containing an HTTP-405.
func MethodNotAllowed(req *http.Request, internalMsg ...interface{}) Result {
	userMsg := fmt.Sprintf("Method %s is not allowed for %s", req.Method, req.URL.Path)
	return Err(http.StatusMethodNotAllowed, req.URL.Path, userMsg, internalMsg...)
}

// InternalServerError returns a Result containing an HTTP-500. The details
// are logged but not shown to the client.
func InternalServerError(href string, internalMsg ...interface{}) Result {
	return Err(http.StatusInternalServerError, href, "An internal server error occurred", internalMsg...)
}

// ErrorResult maps an error from the asset service onto the status the real
// server would answer with.
func ErrorResult(href string, err error) Result {
	switch {
	case errors.Is(err, vone.ErrNotFound):
		return Err(http.StatusNotFound, href, err.Error(), "%s", err.Error())
	case errors.Is(err, vone.ErrBadArgument), errors.Is(err, vone.ErrUnknownField):
		return BadRequest(href, err.Error(), "%s", err.Error())
	case errors.Is(err, vone.ErrStaleWrite):
		return Err(http.StatusConflict, href, err.Error(), "%s", err.Error())
	case errors.Is(err, vone.ErrAuthorization):
		return Unauthorized(href, "%s", err.Error())
	case errors.Is(err, vone.ErrTransport):
		return Err(http.StatusServiceUnavailable, href, "The service is unavailable", "%s", err.Error())
	default:
		return InternalServerError(href, "%s", err.Error())
	}
}

func internalFormat(def string, msg []interface{}) string {
	if len(msg) < 1 {
		return def
	}
	format, ok := msg[0].(string)
	if !ok {
		return fmt.Sprint(msg...)
	}
	return fmt.Sprintf(format, msg[1:]...)
}
