// Package batch accumulates per-entity outcomes of a synchronization run.
package batch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/catalog-sync/internal/model"
)

// EntityError is one failed entity in a batch.
type EntityError struct {
	Kind     model.Kind `json:"kind"`
	EntityID string     `json:"entity_id"` // local id, or "remote:<id>" for orphans
	Message  string     `json:"error_message"`
}

// Result is what every sync entry point returns. Success=false with Error
// set means the batch did not run; otherwise Errors lists partial failures.
type Result struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Deleted int           `json:"deleted"`
	Errors  []EntityError `json:"errors"`

	// causes holds the original error behind Error (index 0 when the batch
	// did not run) or behind each Errors entry, in order. Lost over the wire.
	causes []error
}

// Failed builds the result of a batch that could not start.
func Failed(err error) Result {
	return Result{Success: false, Error: err.Error(), Errors: []EntityError{}, causes: []error{err}}
}

// Aggregator is a passive accumulator: strategies and the engine append to
// it and keep going. It never changes control flow.
type Aggregator struct {
	mu  sync.Mutex
	res Result
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{res: Result{Errors: []EntityError{}}}
}

// Created counts a remote create.
func (a *Aggregator) Created() { a.mu.Lock(); a.res.Created++; a.mu.Unlock() }

// Updated counts a remote update.
func (a *Aggregator) Updated() { a.mu.Lock(); a.res.Updated++; a.mu.Unlock() }

// Deleted counts a remote deletion.
func (a *Aggregator) Deleted() { a.mu.Lock(); a.res.Deleted++; a.mu.Unlock() }

// Fail records a per-entity failure.
func (a *Aggregator) Fail(kind model.Kind, entityID string, err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.res.Errors = append(a.res.Errors, EntityError{Kind: kind, EntityID: entityID, Message: err.Error()})
	a.res.causes = append(a.res.causes, err)
}

// ErrorCount returns the number of recorded failures.
func (a *Aggregator) ErrorCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.res.Errors)
}

// Result returns a snapshot with Success=true: the batch ran, even if some
// entities failed.
func (a *Aggregator) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.res
	out.Success = true
	out.Errors = append([]EntityError{}, a.res.Errors...)
	out.causes = append([]error(nil), a.res.causes...)
	return out
}

// Err joins recorded failures into one error, nil when there are none.
// Original errors stay matchable with errors.Is/As unless the result was
// decoded from JSON.
func (r Result) Err() error {
	if r.Error != "" {
		if len(r.Errors) == 0 && len(r.causes) == 1 && r.causes[0].Error() == r.Error {
			return r.causes[0]
		}
		return errors.New(r.Error)
	}
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for i, e := range r.Errors {
		if i < len(r.causes) && r.causes[i] != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", e.Kind, e.EntityID, r.causes[i]))
			continue
		}
		errs = append(errs, errors.New(string(e.Kind)+" "+e.EntityID+": "+e.Message))
	}
	return errors.Join(errs...)
}
