package manager

import (
	"errors"
	"fmt"
)

// Reason classifies why a session was not admitted.
type Reason string

const (
	ReasonUpgradeRequired   Reason = "upgrade-required"
	ReasonAlreadyConnected  Reason = "already-connected"
	ReasonNoAccess          Reason = "no-access"
	ReasonUpgradeInProgress Reason = "upgrade-in-progress"
	ReasonError             Reason = "error"
)

// AdmissionError is returned by AddSession when a session is refused.
// errors.Is matches on Reason, so the sentinels below can be used directly.
type AdmissionError struct {
	Reason    Reason
	Workspace string
	Err       error
}

var (
	ErrUpgradeRequired   = &AdmissionError{Reason: ReasonUpgradeRequired}
	ErrAlreadyConnected  = &AdmissionError{Reason: ReasonAlreadyConnected}
	ErrNoAccess          = &AdmissionError{Reason: ReasonNoAccess}
	ErrUpgradeInProgress = &AdmissionError{Reason: ReasonUpgradeInProgress}
)

var (
	ErrManagerClosed = errors.New("session manager is shut down")
	ErrSocketClosed  = errors.New("socket is closed")
	ErrUnknownMethod = errors.New("unknown method")
)

func (e *AdmissionError) Error() string {
	msg := string(e.Reason)
	if e.Workspace != "" {
		msg = fmt.Sprintf("%s (workspace %s)", msg, e.Workspace)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func (e *AdmissionError) Is(target error) bool {
	t, ok := target.(*AdmissionError)
	return ok && t.Reason == e.Reason
}

func refusal(reason Reason, workspace string, err error) *AdmissionError {
	return &AdmissionError{Reason: reason, Workspace: workspace, Err: err}
}
