/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package servo implements the clock servo of SPEC_FULL.md §4.6: the
// one-way-delay exponential smoother, the two-tap offset filter, a PI
// frequency controller, and the step-vs-slew policy that sits on top of
// them. Grounded on
// original_source/src/dep/libcck/filter/exponencial_smooth.c for the
// one-way-delay filter's exact integer arithmetic and on
// original_source/branches/v2/src/dep/sys.c's adjFreq for the ADJ_FREQ_MAX
// clamp, styled in the facebook-time servo package's State-enum idiom.
package servo

import "time"

// State reports the outcome of the most recent servo Sample call.
type State uint8

// The states a servo sample can resolve to.
const (
	// StateLocked is a normal in-range sample: the PI controller ran and
	// produced a frequency adjustment.
	StateLocked State = iota
	// StateJump is a step: |offset| exceeded the step threshold, the
	// caller should set-time directly and the servo has reset its filter
	// state.
	StateJump
	// StateDiscarded is a transient outlier beyond maxReset: the sample
	// was ignored entirely, state unchanged.
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "LOCKED"
	case StateJump:
		return "JUMP"
	case StateDiscarded:
		return "DISCARDED"
	}
	return "UNSUPPORTED"
}

// Config holds the servo's tunable parameters, defaulted the way ptpd's
// command-line -a NUMBER,NUMBER P/I attenuation flags and its compiled-in
// ADJ_FREQ_MAX do.
type Config struct {
	// Ap and Ai are the proportional and integral attenuation constants
	// (SPEC_FULL.md §4.6's Ap/Ai).
	Ap float64
	Ai float64
	// MaxFreqPPB is the ADJ_FREQ_MAX clamp applied to both observed_drift
	// and the final adjustment, in parts per billion.
	MaxFreqPPB float64
	// StepThreshold is the |offset| beyond which Sample steps the clock
	// instead of slewing it (SPEC_FULL.md §4.6's "1 s" default).
	StepThreshold time.Duration
	// MaxReset is the |offset| beyond which a sample is treated as a
	// transient outlier and discarded rather than stepped or slewed.
	MaxReset time.Duration
	// NoAdjust, if set, makes Sample compute but never apply an
	// adjustment (SPEC_FULL.md §4.6's noAdjust).
	NoAdjust bool
	// NoResetClock, if set, disables the step path entirely: an
	// over-threshold offset (up to MaxReset) is slewed through the PI
	// controller instead of stepped.
	NoResetClock bool
	// FilterStiffness is the one-way-delay filter's `s` parameter
	// (exponencial_smooth.c's default of 6).
	FilterStiffness int16
}

// DefaultConfig returns the servo defaults SPEC_FULL.md §6 calls out: Ap 10,
// Ai 1000, a 1 second step threshold and a 500,000 ppb ADJ_FREQ_MAX.
func DefaultConfig() Config {
	return Config{
		Ap:              10,
		Ai:              1000,
		MaxFreqPPB:      500000,
		StepThreshold:   time.Second,
		MaxReset:        10 * time.Second,
		FilterStiffness: 6,
	}
}

// Result is the outcome of one Sample call: the state it resolved to, and
// the frequency adjustment to apply (meaningful only when State ==
// StateLocked and NoAdjust is false).
type Result struct {
	State         State
	AdjustmentPPB float64
	StepOffset    time.Duration
}

// Servo is the clock servo: owns the one-way-delay filter, the
// offset-from-master filter, and the PI controller's integrator state.
// A state transition out of SLAVE must call Reset to clear all of it, per
// SPEC_FULL.md §4.6's cancellation rule.
type Servo struct {
	cfg Config

	oneWayDelay   exponentialSmoother
	offsetFilter  twoTapFilter
	observedDrift float64
}

// New returns a Servo configured per cfg, with all filter and integrator
// state zeroed.
func New(cfg Config) *Servo {
	return &Servo{
		cfg:         cfg,
		oneWayDelay: exponentialSmoother{stiffness: cfg.FilterStiffness},
	}
}

// Reset clears all filter and integrator state, applied on a SLAVE exit or
// a parent change (SPEC_FULL.md §4.6).
func (s *Servo) Reset() {
	s.oneWayDelay = exponentialSmoother{stiffness: s.cfg.FilterStiffness}
	s.offsetFilter = twoTapFilter{}
	s.observedDrift = 0
}

// FeedMeanPathDelay feeds a new one-way-delay sample through the
// exponential smoother and returns the filtered value.
func (s *Servo) FeedMeanPathDelay(sample time.Duration) time.Duration {
	return time.Duration(s.oneWayDelay.feed(int32(sample.Nanoseconds())))
}

// FeedOffset feeds a new offset-from-master sample through the two-tap
// filter and returns the filtered value.
func (s *Servo) FeedOffset(sample time.Duration) time.Duration {
	return time.Duration(s.offsetFilter.feed(int32(sample.Nanoseconds())))
}

// Sample runs the step-vs-slew policy and, for in-range samples, the PI
// controller, over an already-filtered offset. filteredOffset is the
// output of FeedOffset.
func (s *Servo) Sample(filteredOffset time.Duration) Result {
	abs := filteredOffset
	if abs < 0 {
		abs = -abs
	}

	if abs > s.cfg.MaxReset {
		return Result{State: StateDiscarded}
	}

	if abs > s.cfg.StepThreshold && !s.cfg.NoResetClock {
		s.Reset()
		return Result{State: StateJump, StepOffset: filteredOffset}
	}

	e := float64(filteredOffset.Nanoseconds())

	s.observedDrift += e / s.cfg.Ai
	s.observedDrift = clamp(s.observedDrift, s.cfg.MaxFreqPPB)

	adj := e/s.cfg.Ap + s.observedDrift
	adj = clamp(adj, s.cfg.MaxFreqPPB)

	if s.cfg.NoAdjust {
		return Result{State: StateLocked}
	}
	return Result{State: StateLocked, AdjustmentPPB: adj}
}

func clamp(v, max float64) float64 {
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}
