// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed remote call for the retry policy.
type ErrorKind int

const (
	// KindUnknown is an uncategorized failure: retryable up to the
	// attempt limit.
	KindUnknown ErrorKind = iota

	// KindNetwork is a connection failure, timeout or 5xx-equivalent:
	// retryable under backoff.
	KindNetwork

	// KindAuth is an invalid credential or session: backoff will not
	// help, the action fails so the caller can re-authenticate.
	KindAuth

	// KindValidation is a malformed-request rejection: retrying would
	// fail identically, the action fails immediately.
	KindValidation
)

// String returns the taxonomy name.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind is retryable under backoff.
func (k ErrorKind) Retryable() bool {
	return k == KindNetwork || k == KindUnknown
}

// Error is a classified remote execution failure.
type Error struct {
	Kind       ErrorKind
	Procedure  string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: %s (HTTP %d): %v", e.Procedure, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s: %s: %v", e.Procedure, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain. Unclassified
// errors are KindUnknown.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// Retryable reports whether err warrants another attempt under backoff.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// classifyStatus maps an HTTP response code onto the taxonomy.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 400 || code == 422:
		return KindValidation
	case code == 408 || code == 429 || code >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}
