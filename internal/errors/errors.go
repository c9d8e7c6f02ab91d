package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument = Code(codes.InvalidArgument)
	CodeNotFound        = Code(codes.NotFound)
	CodeAlreadyExists   = Code(codes.AlreadyExists)
	CodeUnavailable     = Code(codes.Unavailable)
	CodeInternal        = Code(codes.Internal)
)

// Reasons narrow a Code down to the failure the client has to handle.
const (
	ReasonInvalidArgument     = "INVALID_ARGUMENT"
	ReasonSessionNotFound     = "SESSION_NOT_FOUND"
	ReasonParticipantNotFound = "PARTICIPANT_NOT_FOUND"
	ReasonStoreUnavailable    = "STORE_UNAVAILABLE"
	ReasonInternal            = "INTERNAL"
)

var code2http = map[Code]int{
	CodeInvalidArgument: http.StatusBadRequest,
	CodeNotFound:        http.StatusNotFound,
	CodeAlreadyExists:   http.StatusConflict,
	CodeUnavailable:     http.StatusServiceUnavailable,
	CodeInternal:        http.StatusInternalServerError,
}

type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s += fmt.Sprintf(", reason: %s", e.Reason)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// CodeName is the textual gRPC code name, e.g. "NotFound".
func (e *Error) CodeName() string {
	return codes.Code(e.Code).String()
}

// ParseCode is the inverse of CodeName for the codes this service returns.
// Unknown names map to CodeInternal.
func ParseCode(name string) Code {
	for c := range code2http {
		if codes.Code(c).String() == name {
			return c
		}
	}

	return CodeInternal
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// HasReason reports whether err, or any error it wraps, is an *Error with the given reason.
func HasReason(err error, reason string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Reason == reason
}

func Internal(err error) *Error {
	return New(CodeInternal, WithReason(ReasonInternal), WithCause(err))
}

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument,
		WithReason(ReasonInvalidArgument),
		WithMessagef(format, args...),
	)
}

func SessionNotFound(sessionID string) *Error {
	return New(CodeNotFound,
		WithReason(ReasonSessionNotFound),
		WithMessagef("session %s does not exist", sessionID),
	)
}

func ParticipantNotFound(sessionID, participantID string) *Error {
	return New(CodeNotFound,
		WithReason(ReasonParticipantNotFound),
		WithMessagef("participant %s is not in session %s", participantID, sessionID),
	)
}

func StoreUnavailable(err error) *Error {
	return New(CodeUnavailable,
		WithReason(ReasonStoreUnavailable),
		WithMessagef("session store is unavailable"),
		WithCause(err),
	)
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithReason(reason string) Option {
	return optionFunc(func(e *Error) {
		e.Reason = reason
	})
}
