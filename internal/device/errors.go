// SPDX-License-Identifier: MIT

package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureCategory classifies a step failure. Categories are derived from
// typed driver errors and observable app state, never guessed.
type FailureCategory string

const (
	FailTimeout           FailureCategory = "timeout"
	FailElementNotFound   FailureCategory = "element_not_found"
	FailImageNotMatched   FailureCategory = "image_not_matched"
	FailTextNotFound      FailureCategory = "text_not_found"
	FailAssertion         FailureCategory = "assertion_failed"
	FailAppCrash          FailureCategory = "app_crash"
	FailAppNotRunning     FailureCategory = "app_not_running"
	FailSession           FailureCategory = "session_error"
	FailConnection        FailureCategory = "connection_error"
	FailNetwork           FailureCategory = "network_error"
	FailPermissionDenied  FailureCategory = "permission_denied"
	FailResourceExhausted FailureCategory = "resource_exhausted"
	FailUnknown           FailureCategory = "unknown"
)

// DriverError is a typed failure returned by driver implementations.
type DriverError struct {
	Category FailureCategory
	Op       string
	Msg      string
	Err      error
}

func (e *DriverError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *DriverError) Unwrap() error { return e.Err }

// NewDriverError builds a typed driver error.
func NewDriverError(category FailureCategory, op, msg string) *DriverError {
	return &DriverError{Category: category, Op: op, Msg: msg}
}

// Session lifecycle errors surfaced by the session manager.
var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrDriverRefused     = errors.New("driver refused session")
	ErrSessionClosed     = errors.New("session closed")
)

// Classify maps an error to its failure category. Typed driver errors win;
// context errors map to timeout; otherwise the error text is matched
// against known driver vocabularies.
func Classify(err error) FailureCategory {
	if err == nil {
		return ""
	}

	var de *DriverError
	if errors.As(err, &de) && de.Category != "" {
		return de.Category
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case errors.Is(err, context.Canceled):
		return FailSession
	case errors.Is(err, ErrDeviceUnavailable), errors.Is(err, ErrSessionClosed):
		return FailSession
	case errors.Is(err, ErrDriverRefused):
		return FailConnection
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.category
			}
		}
	}
	return FailUnknown
}

// classifyRules is ordered: earlier rules take precedence on overlap.
var classifyRules = []struct {
	category FailureCategory
	needles  []string
}{
	{FailAppCrash, []string{"has crashed", "app crash", "anr ", "fatal exception", "process died"}},
	{FailAppNotRunning, []string{"not running", "app is not installed", "activity not started"}},
	{FailElementNotFound, []string{"no such element", "element not found", "nosuchelement", "could not locate"}},
	{FailImageNotMatched, []string{"image not matched", "template not found", "no match above threshold"}},
	{FailTextNotFound, []string{"text not found", "ocr miss"}},
	{FailPermissionDenied, []string{"permission denied", "securityexception", "unauthorized"}},
	{FailResourceExhausted, []string{"out of memory", "no space left", "resource exhausted", "too many open files"}},
	{FailTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{FailConnection, []string{"connection refused", "connection reset", "broken pipe", "econnrefused", "socket hang up"}},
	{FailNetwork, []string{"network is unreachable", "no route to host", "dns", "tls handshake"}},
	{FailSession, []string{"invalid session", "session not created", "session deleted", "device offline"}},
}
