package router

import "net/http"

// Error is an error that knows the HTTP response it becomes. The router
// writes it as JSON.
type Error interface {
	error
	StatusCode() int
}

// StatusError is the JSON body of every failed request.
type StatusError struct {
	Status  int    `json:"code"`
	Message string `json:"error"`
}

func NewStatusError(status int, message string) StatusError {
	return StatusError{Status: status, Message: message}
}

func (e StatusError) Error() string   { return e.Message }
func (e StatusError) StatusCode() int { return e.Status }

var ErrInternal = StatusError{Status: http.StatusInternalServerError, Message: "internal server error"}
