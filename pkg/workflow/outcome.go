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

import "fmt"

// OutcomeKind tags how a run ended.
type OutcomeKind string

const (
	Succeeded OutcomeKind = "succeeded"
	Canceled  OutcomeKind = "canceled"
	Failed    OutcomeKind = "failed"
)

// Outcome is the terminal result of a run. Exactly one of Value (Succeeded),
// Reason (Canceled) or Err (Failed) is meaningful.
type Outcome[T any] struct {
	Kind   OutcomeKind
	RunID  string
	Value  T
	Reason string
	Err    error
}

// Succeeded reports whether the run produced a value.
func (o Outcome[T]) Succeeded() bool { return o.Kind == Succeeded }

// Canceled reports whether the run was canceled.
func (o Outcome[T]) Canceled() bool { return o.Kind == Canceled }

// Failed reports whether the run failed.
func (o Outcome[T]) Failed() bool { return o.Kind == Failed }

// Result flattens the outcome into a value and error. Canceled outcomes
// return an error wrapping ErrCanceled.
func (o Outcome[T]) Result() (T, error) {
	switch o.Kind {
	case Succeeded:
		return o.Value, nil
	case Canceled:
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrCanceled, o.Reason)
	default:
		var zero T
		return zero, o.Err
	}
}

func succeeded[T any](runID string, v T) Outcome[T] {
	return Outcome[T]{Kind: Succeeded, RunID: runID, Value: v}
}

func canceled[T any](runID, reason string) Outcome[T] {
	return Outcome[T]{Kind: Canceled, RunID: runID, Reason: reason}
}

func failed[T any](runID string, err error) Outcome[T] {
	return Outcome[T]{Kind: Failed, RunID: runID, Err: err}
}
