// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package bridge

import "errors"

var (
	// ErrTransientNetwork marks failures that are retried with backoff.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrStaleSubmission means another actor already advanced the target past the submitted item.
	ErrStaleSubmission = errors.New("stale submission")
	ErrInvalidProof    = errors.New("invalid proof")
	ErrEncoding        = errors.New("encoding error")
	ErrExpiredEvidence = errors.New("expired evidence")
	// ErrRuntimeSpecChanged is fatal: both pipelines halt and the process exits.
	ErrRuntimeSpecChanged = errors.New("runtime spec changed")
	// ErrExhaustedRetries is a degraded, non-fatal signal. The item is retried on the next step.
	ErrExhaustedRetries = errors.New("exhausted retries")
	// ErrRejected is returned when the target chain refuses a submission outright.
	ErrRejected = errors.New("submission rejected by target")

	ErrNothingToRelay           = errors.New("nothing to relay")
	ErrJustificationUnavailable = errors.New("justification unavailable")
	ErrConfirmationTimeout      = errors.New("confirmation timed out")
)

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrConfirmationTimeout)
}
