package errx

import (
	"errors"
	"fmt"
	"net/http"
)

// Stage names appear in error bodies as "[<stage>] - <message>" so the
// gateway filter can attribute a failure to the model that produced it.
const (
	StageIntent   = "Arch-Intent"
	StageFunction = "Arch-Function"
	StageGuard    = "Arch-Guard"
	StageServer   = "Model-Server"
)

// AppError wraps an underlying error with an HTTP status and the pipeline
// stage it originated from. The HTTP surface is the only layer that turns
// these into status codes.
type AppError struct {
	Err     error
	Status  int
	Stage   string
	Message string
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the provided status, stage and message.
func New(err error, status int, stage, message string) *AppError {
	return &AppError{Err: err, Status: status, Stage: stage, Message: message}
}

// BadRequest marks a client-side error such as malformed history or an
// unsupported task.
func BadRequest(stage, message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Stage: stage, Message: message}
}

// Upstream wraps a backend failure as a 500 with the stage tag attached.
func Upstream(err error, stage string) *AppError {
	return &AppError{Err: err, Status: http.StatusInternalServerError, Stage: stage}
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var app *AppError
	if errors.As(err, &app) {
		return app.Status
	}
	return http.StatusInternalServerError
}

// StageOf returns the pipeline stage for err, or fallback when the error
// carries none.
func StageOf(err error, fallback string) string {
	var app *AppError
	if errors.As(err, &app) && app.Stage != "" {
		return app.Stage
	}
	return fallback
}
