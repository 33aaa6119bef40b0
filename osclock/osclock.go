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

// Package osclock adapts the CLOCK_ADJTIME wrapper of clock/clock.go into
// the Clock collaborator SPEC_FULL.md §4.6/§5 describes: the servo speaks
// parts-per-billion and knows nothing about a specific clockid or about
// timex's parts-per-million-with-16-bit-fraction units, the boundary the
// §9 design note (and the BMC §11.6 Open Question) draws at this package.
package osclock

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ptpd/ptpd-sub004/clock"
	"github.com/ptpd/ptpd-sub004/servo"
)

//go:generate go run go.uber.org/mock/mockgen -source=osclock.go -destination=osclock_mock_test.go -package=osclock

// Device is the interface the servo disciplines: a clock that accepts a
// frequency adjustment, a step, and reports its current and maximum
// frequency offset, mirroring the shape
// facebook-time/ptp/sptp/client/clock.go's Clock interface uses for its
// PHC and system-clock implementations.
type Device interface {
	AdjFreqPPB(freqPPB float64) error
	Step(offset time.Duration) error
	FrequencyPPB() (float64, error)
	MaxFreqPPB() (float64, error)
}

// Clock adjusts one OS clock (normally CLOCK_REALTIME; CLOCK_TAI or a PHC
// clockid on hardware-timestamping ports) through CLOCK_ADJTIME.
type Clock struct {
	clockID int32
	name    string
}

// New returns a Clock bound to the given clockid, identified by name for
// logging.
func New(clockID int32, name string) *Clock {
	return &Clock{clockID: clockID, name: name}
}

// System returns a Clock bound to CLOCK_REALTIME, the clock an ordinary
// clock's single port normally disciplines.
func System() *Clock {
	return New(unix.CLOCK_REALTIME, "CLOCK_REALTIME")
}

// AdjFreqPPB applies a frequency adjustment expressed in parts per
// billion, the unit the servo's PI controller emits (SPEC_FULL.md §4.6).
func (c *Clock) AdjFreqPPB(freqPPB float64) error {
	_, err := clock.AdjFreqPPB(c.clockID, freqPPB)
	if err != nil {
		return fmt.Errorf("adjusting frequency on %s: %w", c.name, err)
	}
	return nil
}

// FrequencyPPB reads the clock's current frequency offset in parts per
// billion.
func (c *Clock) FrequencyPPB() (float64, error) {
	freq, _, err := clock.FrequencyPPB(c.clockID)
	if err != nil {
		return 0, fmt.Errorf("reading frequency on %s: %w", c.name, err)
	}
	return freq, nil
}

// MaxFreqPPB returns the maximum frequency adjustment the clock supports,
// the ADJ_FREQ_MAX SPEC_FULL.md §4.6 clamps the servo's output to.
func (c *Clock) MaxFreqPPB() (float64, error) {
	freq, _, err := clock.MaxFreqPPB(c.clockID)
	if err != nil {
		return 0, fmt.Errorf("reading max frequency on %s: %w", c.name, err)
	}
	return freq, nil
}

// Step steps the clock by the given offset, the step half of SPEC_FULL.md
// §4.6's step-vs-slew policy.
func (c *Clock) Step(offset time.Duration) error {
	log.Warnf("stepping %s clock by %s", c.name, offset)
	_, err := clock.Step(c.clockID, offset)
	if err != nil {
		return fmt.Errorf("stepping %s: %w", c.name, err)
	}
	return nil
}

// SetSync marks the clock synchronized (TIME_OK). Neither the port nor the
// orchestrator calls it.
func (c *Clock) SetSync() error {
	if err := clock.SetSync(); err != nil {
		return fmt.Errorf("setting sync state on %s: %w", c.name, err)
	}
	return nil
}

var _ Device = (*Clock)(nil)

// Apply turns a servo.Result into the device calls SPEC_FULL.md §4.6's
// step-vs-slew policy describes: StateJump steps the clock (the frequency
// adjustment is left as it is), StateLocked applies the frequency adjustment,
// StateDiscarded does nothing.
func Apply(dev Device, result servo.Result) error {
	switch result.State {
	case servo.StateJump:
		return dev.Step(result.StepOffset)
	case servo.StateLocked:
		return dev.AdjFreqPPB(result.AdjustmentPPB)
	default:
		return nil
	}
}
