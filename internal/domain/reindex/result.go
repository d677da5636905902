package reindex

import (
	"context"
	"sync"
	"time"
)

// IndexCommandResult is the terminal outcome of a re-index command: the
// elapsed time on success, or a failure carrying its cause.
type IndexCommandResult struct {
	elapsed    time.Duration
	successful bool
	err        error
}

// Succeeded returns a successful result that took elapsed.
func Succeeded(elapsed time.Duration) IndexCommandResult {
	return IndexCommandResult{elapsed: elapsed, successful: true}
}

// Failed returns a failed result. err may be ErrTaskCancelled.
func Failed(err error) IndexCommandResult {
	return IndexCommandResult{err: err}
}

func (r IndexCommandResult) Successful() bool { return r.successful }
func (r IndexCommandResult) Err() error       { return r.err }

// Millis returns the elapsed time in milliseconds, or -1 for a failed result.
func (r IndexCommandResult) Millis() int64 {
	if !r.successful {
		return -1
	}
	return r.elapsed.Milliseconds()
}

// Result is the handle of an asynchronous index operation.
type Result interface {
	// Await blocks until the operation completes or ctx is done.
	Await(ctx context.Context) error
	// Done is closed once the operation has completed.
	Done() <-chan struct{}
}

// PendingResult is a Result completed exactly once by its producer.
type PendingResult struct {
	once sync.Once
	done chan struct{}
	err  error
}

var _ Result = (*PendingResult)(nil)

// NewPendingResult returns an incomplete result.
func NewPendingResult() *PendingResult {
	return &PendingResult{done: make(chan struct{})}
}

// CompletedResult returns a result that is already complete with err.
func CompletedResult(err error) *PendingResult {
	r := NewPendingResult()
	r.Complete(err)
	return r
}

// Complete records the outcome. Only the first call has any effect.
func (r *PendingResult) Complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *PendingResult) Done() <-chan struct{} { return r.done }

func (r *PendingResult) Await(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
