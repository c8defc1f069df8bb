// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package submission

import (
	"errors"
	"sync"
	"time"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

var ErrAlreadyInFlight = errors.New("submission already in flight")

// Attempt is a payload on its way to the target chain.
type Attempt struct {
	Key         string
	Payload     bridge.Payload
	SubmittedAt time.Time
	Retries     uint
	Outcome     bridge.Outcome
}

// Tracker allows at most one in-flight attempt per logical proof.
type Tracker struct {
	mu       sync.Mutex
	inFlight map[string]*Attempt
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		inFlight: make(map[string]*Attempt),
		now:      time.Now,
	}
}

func (t *Tracker) Begin(key string, payload bridge.Payload) (Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inFlight[key]; ok {
		return Attempt{}, ErrAlreadyInFlight
	}
	attempt := &Attempt{
		Key:         key,
		Payload:     payload,
		SubmittedAt: t.now(),
		Outcome:     bridge.OutcomePending,
	}
	t.inFlight[key] = attempt
	return *attempt, nil
}

func (t *Tracker) Retry(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if attempt, ok := t.inFlight[key]; ok {
		attempt.Retries++
		attempt.SubmittedAt = t.now()
	}
}

// Finish records the outcome and releases the key.
func (t *Tracker) Finish(key string, outcome bridge.Outcome) Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()

	attempt, ok := t.inFlight[key]
	if !ok {
		return Attempt{Key: key, Outcome: outcome}
	}
	attempt.Outcome = outcome
	delete(t.inFlight, key)
	return *attempt
}

func (t *Tracker) InFlight(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.inFlight[key]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.inFlight)
}
