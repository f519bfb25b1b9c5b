package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound     = NewErr("PASTA_NOT_FOUND", "pasta not found", http.StatusNotFound)
	ErrDuplicateID       = NewErr("DUPLICATE_ID", "pasta id already in use", http.StatusConflict)
	ErrInvalidID         = NewErr("INVALID_ID", "invalid pasta id", http.StatusBadRequest)
	ErrAuthRequired      = NewErr("AUTH_REQUIRED", "authorization required", http.StatusUnauthorized)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrStoreUnavailable  = NewErr("STORE_UNAVAILABLE", "store unavailable", http.StatusServiceUnavailable)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGeneration      = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func asErr(err error) (*Err, bool) {
	if e, ok := err.(*Err); ok {
		return e, true
	}
	e, ok := errors.Cause(err).(*Err)
	return e, ok
}

// Is reports whether err, or its cause, is the coded error target.
func Is(err error, target *Err) bool {
	e, ok := asErr(err)
	return ok && e.Code == target.Code
}
func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
