package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Resolver walks amendment and lifecycle chains. Chains are acyclic by
// construction: a link may only reference an event that already existed
// when the linking event was appended, and links never change.
type Resolver struct {
	repo Repository
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// AmendmentChain returns the chain from the given event back to its root,
// newest first. The root is the only element without an amendment link.
func (r *Resolver) AmendmentChain(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	e, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	chain := []*Event{e}
	for e.AmendsEventID != nil {
		prev, err := r.repo.GetByID(ctx, *e.AmendsEventID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: amendment target %s missing", ErrInvalidLineage, *e.AmendsEventID)
			}
			return nil, err
		}
		chain = append(chain, prev)
		e = prev
	}
	return chain, nil
}

// AmendmentHead resolves the current correction of an event: the newest
// non-retracted amendment claiming it, or the event itself.
func (r *Resolver) AmendmentHead(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	for {
		next, err := r.repo.FindAmendmentOf(ctx, e.ID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return e, nil
			}
			return nil, err
		}
		e = next
	}
}

// LifecycleChain returns the full lifecycle chain containing the given
// event, oldest first: parents are walked back to the chain root, then
// children forward.
func (r *Resolver) LifecycleChain(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	e, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	root := e
	for root.ParentEventID != nil && root.Relationship == RelLifecycle {
		parent, err := r.repo.GetByID(ctx, *root.ParentEventID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: lifecycle parent %s missing", ErrInvalidLineage, *root.ParentEventID)
			}
			return nil, err
		}
		root = parent
	}

	var chain []*Event
	var walk func(node *Event) error
	walk = func(node *Event) error {
		chain = append(chain, node)
		children, err := r.repo.ListLifecycleChildren(ctx, node.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return chain, nil
}

// MedicationState is the resolved current state of one medication chain.
type MedicationState struct {
	// Root is the event that started the chain.
	Root *Event `json:"root"`
	// Latest is the most recent non-retracted lifecycle event.
	Latest *Event `json:"latest"`
	Active bool   `json:"active"`
}

// ResolveMedication computes the current effective state of the medication
// chain containing the given event. Retracted events never count: a chain
// whose only discontinuation was retracted is active again.
func (r *Resolver) ResolveMedication(ctx context.Context, id uuid.UUID) (*MedicationState, error) {
	chain, err := r.LifecycleChain(ctx, id)
	if err != nil {
		return nil, err
	}
	if chain[0].Type != TypeMedication {
		return nil, fmt.Errorf("%w: event %s is not part of a medication chain", ErrValidationFailed, id)
	}

	state := &MedicationState{Root: chain[0]}
	for _, e := range chain {
		if e.Retracted() {
			continue
		}
		if state.Latest == nil || !e.ClinicalTS.Before(state.Latest.ClinicalTS) {
			state.Latest = e
		}
	}
	if state.Latest == nil {
		// Every link in the chain was retracted.
		state.Active = false
		return state, nil
	}
	med := state.Latest.Details.Medication
	state.Active = med == nil || med.Action != MedDiscontinue
	return state, nil
}

// ActiveMedications resolves every medication chain in the given timeline
// slice and returns the states that are currently active. Events must all
// belong to one patient; retracted and superseded chain roots drop out.
func (r *Resolver) ActiveMedications(ctx context.Context, events []*Event) ([]*MedicationState, error) {
	seen := map[uuid.UUID]bool{}
	var out []*MedicationState
	for _, e := range events {
		if e.Type != TypeMedication || e.Retracted() {
			continue
		}
		state, err := r.ResolveMedication(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if seen[state.Root.ID] {
			continue
		}
		seen[state.Root.ID] = true
		if state.Active && !state.Root.Retracted() {
			out = append(out, state)
		}
	}
	return out, nil
}
