// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package bridge

// State is the position of a relay pipeline in its submission cycle. Halted
// is terminal.
type State int

const (
	StateIdle State = iota
	StateSelecting
	StateBuilding
	StateSubmitting
	StateAwaitingConfirmation
	StateConfirmed
	StateRejected
	StateTransientFailure
	StateBackoff
	StateHalted
)

var stateNames = map[State]string{
	StateIdle:                 "idle",
	StateSelecting:            "selecting",
	StateBuilding:             "building",
	StateSubmitting:           "submitting",
	StateAwaitingConfirmation: "awaiting-confirmation",
	StateConfirmed:            "confirmed",
	StateRejected:             "rejected",
	StateTransientFailure:     "transient-failure",
	StateBackoff:              "backoff",
	StateHalted:               "halted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
