// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package finality

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

// Selection is the header chosen for the next submission.
type Selection struct {
	Justification bridge.Justification
	// Mandatory is set when the header is an authority set transition boundary.
	Mandatory bool
}

// selectionLimit returns the highest header a single proof may reach from the
// target state, and whether that header is a transition boundary. A proof may
// cross at most maxTransitions boundaries, so the limit is the boundary after
// them when one exists and the best finalized header otherwise.
func (l *Loop) selectionLimit(ctx context.Context, state bridge.TargetState, best bridge.FinalizedHeader) (bridge.FinalizedHeader, []bridge.FinalizedHeader, error) {
	// No set change happened between the target and best, so best is the only
	// header that may still signal one.
	if best.AuthoritySetID == state.AuthoritySetID {
		if best.ScheduledChange {
			return best, []bridge.FinalizedHeader{best}, nil
		}
		return best, nil, nil
	}

	var boundaries []bridge.FinalizedHeader
	for number := state.LastAccepted.Number + 1; number <= best.Number; number++ {
		if err := ctx.Err(); err != nil {
			return bridge.FinalizedHeader{}, nil, err
		}
		header, err := l.source.HeaderByNumber(ctx, number)
		if err != nil {
			return bridge.FinalizedHeader{}, nil, fmt.Errorf("fetch source header %d: %w", number, err)
		}
		if !header.ScheduledChange {
			continue
		}
		boundaries = append(boundaries, header)
		if uint(len(boundaries)) > l.config.MaxSetTransitions {
			return header, boundaries, nil
		}
	}
	return best, boundaries, nil
}

// Select picks the next header to submit: the transition boundary at the
// selection limit if there is one, otherwise the newest header up to the limit
// with an available justification.
func (l *Loop) Select(ctx context.Context, state bridge.TargetState) (Selection, error) {
	best, err := l.source.BestFinalizedHeader(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("fetch source best finalized header: %w", err)
	}
	l.metrics.SetBestHeight("source", best.Number)

	if best.Number <= state.LastAccepted.Number {
		return Selection{}, bridge.ErrNothingToRelay
	}

	limit, boundaries, err := l.selectionLimit(ctx, state, best)
	if err != nil {
		return Selection{}, err
	}

	if limit.ScheduledChange {
		justification, err := l.justificationFor(ctx, limit)
		if err != nil {
			return Selection{}, err
		}
		if justification == nil {
			return Selection{}, fmt.Errorf("%w: mandatory header %s", bridge.ErrJustificationUnavailable, limit.ID())
		}
		return Selection{Justification: *justification, Mandatory: true}, nil
	}

	if l.config.OnlyMandatory {
		if len(boundaries) == 0 {
			return Selection{}, bridge.ErrNothingToRelay
		}
		newest := boundaries[len(boundaries)-1]
		justification, err := l.justificationFor(ctx, newest)
		if err != nil {
			return Selection{}, err
		}
		if justification == nil {
			return Selection{}, fmt.Errorf("%w: mandatory header %s", bridge.ErrJustificationUnavailable, newest.ID())
		}
		return Selection{Justification: *justification, Mandatory: true}, nil
	}

	candidate, err := l.newestJustification(ctx, state.LastAccepted.Number, limit)
	if err != nil {
		return Selection{}, err
	}
	if candidate == nil {
		return Selection{}, fmt.Errorf("%w: no justification in (%d, %d]",
			bridge.ErrJustificationUnavailable, state.LastAccepted.Number, limit.Number)
	}
	return Selection{Justification: *candidate, Mandatory: candidate.Header.ScheduledChange}, nil
}

// newestJustification prefers the stored justification of the limit header and
// falls back to the newest streamed justification in (after, limit].
func (l *Loop) newestJustification(ctx context.Context, after uint64, limit bridge.FinalizedHeader) (*bridge.Justification, error) {
	if !l.skipped(limit.Number) {
		justification, err := l.justificationFor(ctx, limit)
		if err != nil {
			return nil, err
		}
		if justification != nil {
			return justification, nil
		}
	}

	var newest *bridge.Justification
	for _, number := range l.recent.Keys() {
		if number <= after || number > limit.Number || l.skipped(number) {
			continue
		}
		justification, ok := l.recent.Peek(number)
		if !ok {
			continue
		}
		if newest == nil || number > newest.Header.Number {
			j := justification
			newest = &j
		}
	}
	return newest, nil
}

func (l *Loop) justificationFor(ctx context.Context, header bridge.FinalizedHeader) (*bridge.Justification, error) {
	if justification, ok := l.recent.Peek(header.Number); ok && justification.Header.Hash == header.Hash {
		return &justification, nil
	}
	justification, err := l.source.JustificationFor(ctx, header)
	if err != nil {
		return nil, fmt.Errorf("fetch justification for %s: %w", header.ID(), err)
	}
	return justification, nil
}

// Observe records a justification streamed by the source.
func (l *Loop) Observe(justification bridge.Justification) {
	if err := justification.Validate(); err != nil {
		log.WithError(err).Warn("Ignoring streamed justification")
		return
	}
	l.recent.Add(justification.Header.Number, justification)
}

// prune drops streamed justifications the target no longer needs.
func (l *Loop) prune(lastAccepted uint64) {
	for _, number := range l.recent.Keys() {
		if number <= lastAccepted {
			l.recent.Remove(number)
		}
	}
}

func (l *Loop) skipped(number uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.skip[number]
	return ok
}

func (l *Loop) markSkipped(number uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.skip[number] = struct{}{}
}

func (l *Loop) pruneSkipped(lastAccepted uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for number := range l.skip {
		if number <= lastAccepted {
			delete(l.skip, number)
		}
	}
}
