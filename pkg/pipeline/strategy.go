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

package pipeline

import (
	"log/slog"

	"github.com/kadirpekel/tempo/pkg/workflow"
)

// Path is the post-processing strategy a run took.
type Path string

const (
	// PathCombined is the single compliance+review+format call.
	PathCombined Path = "combined"

	// PathSequential is the three-step fallback.
	PathSequential Path = "sequential"
)

// PostResult is the output of post-processing.
type PostResult struct {
	Path       Path
	Compliance *Compliance
	Review     *Review
	Format     *Format

	// CombinedErr is why the combined call was abandoned, for PathSequential.
	CombinedErr error
}

// postProcess tries the combined call first and falls back to the three
// sequential steps on any failure other than cancellation.
func postProcess(s *stepper, state *State) (PostResult, error) {
	combined, err := stepCall[Combined](s, StepPost, state, false)
	if err == nil {
		s.run.SetAttr("path", string(PathCombined))
		return PostResult{
			Path:       PathCombined,
			Compliance: &combined.Compliance,
			Review:     &combined.Review,
			Format:     &combined.Format,
		}, nil
	}
	if workflow.IsCanceled(err) || s.run.Canceled() {
		return PostResult{}, err
	}

	slog.Warn("Combined post-processing failed, falling back to sequential steps",
		"run_id", s.run.ID,
		"error", err)
	s.run.SetAttr("path", string(PathSequential))
	s.tracker.add(StepCompliance, StepReview, StepFormat)

	res := PostResult{Path: PathSequential, CombinedErr: err}

	if res.Compliance, err = stepCall[Compliance](s, StepCompliance, state, true); err != nil {
		return res, err
	}
	state.Compliance = res.Compliance

	if res.Review, err = stepCall[Review](s, StepReview, state, true); err != nil {
		return res, err
	}
	state.Review = res.Review

	if res.Format, err = stepCall[Format](s, StepFormat, state, true); err != nil {
		return res, err
	}
	return res, nil
}
