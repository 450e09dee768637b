package controller

import "errors"

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotRunning        = errors.New("engine not running")
	ErrBusy              = errors.New("engine inbox full")
	// ErrDeferred means a request was accepted but the engine had not applied
	// it before the caller's context ended. It applies at the next boundary.
	ErrDeferred = errors.New("request accepted, applied at next cycle boundary")
)
