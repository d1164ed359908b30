// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/tempo/pkg/model"
)

// ErrCanceled marks cooperative cancellation. It is the same sentinel the
// model taxonomy classifies as model.KindCanceled.
var ErrCanceled = model.ErrCanceled

// ReasonSuperseded is the cancel reason given to runs replaced by a newer
// run in the same scope.
const ReasonSuperseded = "superseded by newer request"

var errRunFinished = errors.New("run finished")

// Run is one cancellable execution of a scope's task.
//
// Cancellation is cooperative: Cancel flips a flag that never reverts and
// closes the run's context. The task must call Err at its suspension points
// and stop once it returns non-nil. A run is sealed once it commits its
// result or finishes; a sealed run can no longer be canceled.
type Run struct {
	ID        string
	Scope     string
	Key       string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	canceled atomic.Bool
	sealed   atomic.Bool
	mu       sync.Mutex
	reason   string
	attrs    map[string]string
}

func newRun(parent context.Context, scope, key string, now time.Time) *Run {
	ctx, cancel := context.WithCancelCause(parent)
	return &Run{
		ID:        uuid.NewString(),
		Scope:     scope,
		Key:       key,
		StartedAt: now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Cancel marks the run canceled. Only the first call records its reason;
// it reports whether this call performed the cancellation.
func (r *Run) Cancel(reason string) bool {
	r.mu.Lock()
	marked := r.markLocked(reason)
	r.mu.Unlock()

	if marked {
		r.cancel(fmt.Errorf("%w: %s", ErrCanceled, reason))
	}
	return marked
}

func (r *Run) markLocked(reason string) bool {
	if r.canceled.Load() || r.sealed.Load() {
		return false
	}
	r.reason = reason
	r.canceled.Store(true)
	return true
}

// Canceled reports whether the run was canceled.
func (r *Run) Canceled() bool {
	if r.canceled.Load() {
		return true
	}
	if r.sealed.Load() {
		return false
	}
	if err := r.ctx.Err(); err != nil {
		r.Cancel(err.Error())
		return r.canceled.Load()
	}
	return false
}

// Commit runs fn and seals the run unless it is already canceled, in which
// case it returns Err. Cancel blocks while fn runs, so fn either completes
// before a cancellation or not at all. fn must not call methods of the run.
func (r *Run) Commit(fn func()) error {
	r.mu.Lock()
	if !r.canceled.Load() && !r.sealed.Load() {
		if err := r.ctx.Err(); err != nil && r.markLocked(err.Error()) {
			r.mu.Unlock()
			r.cancel(fmt.Errorf("%w: %s", ErrCanceled, err))
			return r.Err()
		}
	}
	if r.canceled.Load() {
		r.mu.Unlock()
		return r.Err()
	}
	fn()
	r.sealed.Store(true)
	r.mu.Unlock()
	return nil
}

// release seals the run and frees its context.
func (r *Run) release() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
	r.cancel(errRunFinished)
}

// Reason returns the cancel reason, empty while the run is live.
func (r *Run) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Err returns nil while the run is live and an error wrapping ErrCanceled
// once it is canceled.
func (r *Run) Err() error {
	if !r.Canceled() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCanceled, r.Reason())
}

// Context is done once the run is canceled, its parent is done, or the run
// has finished.
func (r *Run) Context() context.Context {
	return r.ctx
}

// Sleep waits for d. It returns early with Err when the run is canceled.
func (r *Run) Sleep(d time.Duration) error {
	if err := r.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return r.Err()
	case <-t.C:
		return r.Err()
	}
}

// SetAttr annotates the run. Attributes are reported to observers.
func (r *Run) SetAttr(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attrs == nil {
		r.attrs = make(map[string]string)
	}
	r.attrs[key] = value
}

// Attrs returns a copy of the run attributes.
func (r *Run) Attrs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.attrs)
}

// IsCanceled reports whether err is a cooperative cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}
