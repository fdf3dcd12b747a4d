/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is the canonical error carried across service boundaries.
// It pairs an HTTP status code with a stable machine-readable reason and a
// human-readable message, and optionally wraps structured detail that the
// HTTP layer serializes verbatim.
type StatusError struct {
	HTTPCode int
	Reason   string
	Message  string
	Detail   interface{}
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return e.Message
}

// WithDetail attaches structured detail and returns the error for chaining.
func (e *StatusError) WithDetail(detail interface{}) *StatusError {
	e.Detail = detail
	return e
}

// ReasonForError returns the reason code of err, or "" when err is not a
// StatusError.
func ReasonForError(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Reason
	}
	return ""
}

// CodeForError returns the HTTP status code of err, defaulting to 500 for
// unrecognized errors.
func CodeForError(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.HTTPCode
	}
	return http.StatusInternalServerError
}

// AsStatus converts any error into a StatusError, wrapping unknown errors as
// internal errors.
func AsStatus(err error) *StatusError {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr
	}
	return NewInternalError(err.Error())
}

func IsBadRequest(err error) bool {
	return ReasonForError(err) == BadRequest
}

func IsNotFound(err error) bool {
	return ReasonForError(err) == NotFound
}

func IsAlreadyExist(err error) bool {
	return ReasonForError(err) == AlreadyExist
}

func IsConflict(err error) bool {
	reason := ReasonForError(err)
	return reason == Conflict || reason == AlreadyExist || reason == ConcurrentUpdate
}

func IsConcurrentUpdate(err error) bool {
	return ReasonForError(err) == ConcurrentUpdate
}

func IsPartitionKeyInvalid(err error) bool {
	return ReasonForError(err) == PartitionKeyInvalid
}

func IsDagInvalid(err error) bool {
	return ReasonForError(err) == DagInvalid
}

func IsTemplateInvalid(err error) bool {
	return ReasonForError(err) == TemplateInvalid
}

func IsStaleAssets(err error) bool {
	return ReasonForError(err) == StaleAssets
}

func IsThrottled(err error) bool {
	return ReasonForError(err) == Throttled
}

func IsQueueUnavailable(err error) bool {
	return ReasonForError(err) == QueueUnavailable
}

func IsInternal(err error) bool {
	return ReasonForError(err) == InternalError
}

// IgnoreNotFound returns nil when err is a not-found error, err otherwise.
func IgnoreNotFound(err error) error {
	if err == nil || IsNotFound(err) {
		return nil
	}
	return err
}

func NewBadRequest(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusBadRequest,
		Reason:   BadRequest,
		Message:  message,
	}
}

func NewValidation(message string, detail interface{}) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusBadRequest,
		Reason:   BadRequest,
		Message:  message,
		Detail:   detail,
	}
}

func NewNotFound(kind, name string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusNotFound,
		Reason:   NotFound,
		Message:  fmt.Sprintf("%s %s not found", kind, name),
	}
}

func NewNotFoundWithMessage(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusNotFound,
		Reason:   NotFound,
		Message:  message,
	}
}

func NewAlreadyExist(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusConflict,
		Reason:   AlreadyExist,
		Message:  message,
	}
}

func NewConflict(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusConflict,
		Reason:   Conflict,
		Message:  message,
	}
}

func NewConcurrentUpdate(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusConflict,
		Reason:   ConcurrentUpdate,
		Message:  message,
	}
}

func NewPartitionKeyInvalid(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusBadRequest,
		Reason:   PartitionKeyInvalid,
		Message:  message,
	}
}

func NewDagInvalid(reason, detail string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusBadRequest,
		Reason:   DagInvalid,
		Message:  fmt.Sprintf("invalid workflow dag: %s", reason),
		Detail:   map[string]string{"reason": reason, "detail": detail},
	}
}

func NewTemplateInvalid(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusBadRequest,
		Reason:   TemplateInvalid,
		Message:  message,
	}
}

func NewStaleAssets(message string, detail interface{}) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusConflict,
		Reason:   StaleAssets,
		Message:  message,
		Detail:   detail,
	}
}

func NewThrottled(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusTooManyRequests,
		Reason:   Throttled,
		Message:  message,
	}
}

func NewQueueUnavailable(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusServiceUnavailable,
		Reason:   QueueUnavailable,
		Message:  message,
	}
}

func NewStorageIO(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusInternalServerError,
		Reason:   StorageIO,
		Message:  message,
	}
}

func NewDependencyUnhealthy(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusBadGateway,
		Reason:   DependencyUnhealthy,
		Message:  message,
	}
}

func NewTimeout(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusGatewayTimeout,
		Reason:   Timeout,
		Message:  message,
	}
}

func NewUnauthorized(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusUnauthorized,
		Reason:   Unauthorized,
		Message:  message,
	}
}

func NewForbidden(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusForbidden,
		Reason:   Forbidden,
		Message:  message,
	}
}

func NewInternalError(message string) *StatusError {
	return &StatusError{
		HTTPCode: http.StatusInternalServerError,
		Reason:   InternalError,
		Message:  message,
	}
}
