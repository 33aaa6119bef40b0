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

// Package timeinternal provides a normalized signed seconds+nanoseconds time
// value used throughout the PTP core, independent of the wire Timestamp
// encoding and of time.Time/time.Duration.
package timeinternal

import (
	"fmt"
	"time"
)

const nsPerSecond = int64(1e9)

// TimeInternal is a signed time value with second and nanosecond components
// that are always renormalized so |nanoseconds| < 1e9 and both components
// share a sign (or one of them is zero).
type TimeInternal struct {
	Seconds     int32
	Nanoseconds int32
}

// New builds a normalized TimeInternal out of raw (possibly overflowing or
// mixed-sign) seconds and nanoseconds.
func New(seconds, nanoseconds int64) TimeInternal {
	seconds += nanoseconds / nsPerSecond
	nanoseconds %= nsPerSecond
	if seconds > 0 && nanoseconds < 0 {
		seconds--
		nanoseconds += nsPerSecond
	} else if seconds < 0 && nanoseconds > 0 {
		seconds++
		nanoseconds -= nsPerSecond
	}
	return TimeInternal{Seconds: int32(seconds), Nanoseconds: int32(nanoseconds)}
}

// FromDuration converts a time.Duration to a TimeInternal.
func FromDuration(d time.Duration) TimeInternal {
	return New(0, int64(d))
}

// FromUnixNano converts a Unix nanosecond count to a TimeInternal.
func FromUnixNano(ns int64) TimeInternal {
	return New(0, ns)
}

// Duration converts a TimeInternal to a time.Duration.
func (t TimeInternal) Duration() time.Duration {
	return time.Duration(t.Seconds)*time.Second + time.Duration(t.Nanoseconds)
}

// Nanoseconds returns the total value in nanoseconds as an int64.
func (t TimeInternal) Nanoseconds() int64 {
	return int64(t.Seconds)*nsPerSecond + int64(t.Nanoseconds)
}

// IsNegative reports whether the represented value is less than zero.
func (t TimeInternal) IsNegative() bool {
	return t.Seconds < 0 || t.Nanoseconds < 0
}

// Add returns t + other, normalized.
func (t TimeInternal) Add(other TimeInternal) TimeInternal {
	return New(int64(t.Seconds)+int64(other.Seconds), int64(t.Nanoseconds)+int64(other.Nanoseconds))
}

// Sub returns t - other, normalized.
func (t TimeInternal) Sub(other TimeInternal) TimeInternal {
	return t.Add(other.Negate())
}

// Negate returns -t, normalized.
func (t TimeInternal) Negate() TimeInternal {
	return New(-int64(t.Seconds), -int64(t.Nanoseconds))
}

// Half returns t/2, normalized.
func (t TimeInternal) Half() TimeInternal {
	return New(0, t.Nanoseconds()/2)
}

// Abs returns the absolute value of t.
func (t TimeInternal) Abs() TimeInternal {
	if t.IsNegative() {
		return t.Negate()
	}
	return t
}

// IsZero reports whether t represents exactly zero.
func (t TimeInternal) IsZero() bool {
	return t.Seconds == 0 && t.Nanoseconds == 0
}

// String renders t as "[-]seconds.nanoseconds" matching ptpd's
// snprint_TimeInternal formatting.
func (t TimeInternal) String() string {
	sign := ""
	if t.IsNegative() {
		sign = "-"
	}
	seconds, nanoseconds := t.Seconds, t.Nanoseconds
	if seconds < 0 {
		seconds = -seconds
	}
	if nanoseconds < 0 {
		nanoseconds = -nanoseconds
	}
	return fmt.Sprintf("%s%d.%09d", sign, seconds, nanoseconds)
}
