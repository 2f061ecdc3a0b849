/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// Error classes shared by the bootstrap API and the socket dispatcher.
// A rejected command never mutates party state, so handlers can report
// these directly to the requester and move on.
var (
	errValidation = errors.New("validation")
	errNotFound   = errors.New("not found")
	errForbidden  = errors.New("forbidden")
	errConflict   = errors.New("conflict")
)

type commandError struct {
	class error
	msg   string
}

func (e *commandError) Error() string { return e.msg }

func (e *commandError) Unwrap() error { return e.class }

func validationErr(format string, args ...any) error {
	return &commandError{class: errValidation, msg: fmt.Sprintf(format, args...)}
}

func notFoundErr(format string, args ...any) error {
	return &commandError{class: errNotFound, msg: fmt.Sprintf(format, args...)}
}

func forbiddenErr(format string, args ...any) error {
	return &commandError{class: errForbidden, msg: fmt.Sprintf(format, args...)}
}

func conflictErr(format string, args ...any) error {
	return &commandError{class: errConflict, msg: fmt.Sprintf(format, args...)}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errValidation):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
