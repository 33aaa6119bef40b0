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

// Package config loads and validates the daemon's YAML configuration,
// overridable by CLI flags, matching sptp/client/config.go's
// ReadConfig/PrepareConfig/Validate shape.
package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/ptpd/ptpd-sub004/datasets"
	"github.com/ptpd/ptpd-sub004/port"
	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
	"github.com/ptpd/ptpd-sub004/servo"
	"github.com/ptpd/ptpd-sub004/timeinternal"
)

// ClockDriver selects which osclock.Device backs the Clock collaborator.
type ClockDriver string

const (
	ClockDriverSystem ClockDriver = "sys"
	ClockDriverPHC    ClockDriver = "phc"
)

// Transport selects the wire transport; udp4 is the only one the core
// implements today (SPEC_FULL.md §1's Non-goals exclude the others).
type Transport string

const TransportUDP4 Transport = "udp4"

// Config is the full daemon configuration surface of SPEC_FULL.md §6 plus
// the transport/clock selection and stats listen address §10.3 adds on
// top of the core's configuration surface.
type Config struct {
	Iface       string      `yaml:"iface"`
	Transport   Transport   `yaml:"transport"`
	ClockDriver ClockDriver `yaml:"clockDriver"`
	PHCDevice   string      `yaml:"phcDevice"`

	SlaveOnly    bool `yaml:"slaveOnly"`
	NoAdjust     bool `yaml:"noAdjust"`
	NoResetClock bool `yaml:"noResetClock"`

	MaxReset time.Duration `yaml:"maxReset"`
	MaxDelay time.Duration `yaml:"maxDelay"`

	Priority1               uint8             `yaml:"priority1"`
	Priority2               uint8             `yaml:"priority2"`
	ClockClass              ptp.ClockClass    `yaml:"clockClass"`
	ClockAccuracy           ptp.ClockAccuracy `yaml:"clockAccuracy"`
	OffsetScaledLogVariance uint16            `yaml:"offsetScaledLogVariance"`
	DomainNumber            uint8             `yaml:"domainNumber"`

	LogAnnounceInterval     int8 `yaml:"logAnnounceInterval"`
	LogSyncInterval         int8 `yaml:"logSyncInterval"`
	LogMinDelayReqInterval  int8 `yaml:"logMinDelayReqInterval"`
	LogMinPdelayReqInterval int8 `yaml:"logMinPdelayReqInterval"`
	AnnounceReceiptTimeout  uint8 `yaml:"announceReceiptTimeout"`
	QualificationTimeout    time.Duration `yaml:"qualificationTimeout"`

	DelayMechanism    string `yaml:"delayMechanism"`
	TwoStepFlag       bool   `yaml:"twoStepFlag"`
	MaxForeignRecords int    `yaml:"maxForeignRecords"`

	Ap float64 `yaml:"Ap"`
	Ai float64 `yaml:"Ai"`
	S  int16   `yaml:"s"`

	InboundLatency  time.Duration `yaml:"inboundLatency"`
	OutboundLatency time.Duration `yaml:"outboundLatency"`

	TTL           int    `yaml:"ttl"`
	StatsListen   string `yaml:"statsListen"`
	PrometheusPort int   `yaml:"prometheusPort"`
}

// DefaultConfig returns the defaults SPEC_FULL.md §6's Configuration
// surface table calls out.
func DefaultConfig() *Config {
	return &Config{
		Iface:                   "eth0",
		Transport:               TransportUDP4,
		ClockDriver:             ClockDriverSystem,
		MaxReset:                10 * time.Second,
		Priority1:               128,
		Priority2:               128,
		ClockClass:              ptp.ClockClass13,
		ClockAccuracy:           ptp.ClockAccuracyNanosecond100,
		OffsetScaledLogVariance: 0x436A,
		LogAnnounceInterval:     1,
		LogSyncInterval:         0,
		LogMinDelayReqInterval:  0,
		LogMinPdelayReqInterval: 0,
		AnnounceReceiptTimeout:  6,
		QualificationTimeout:    4 * time.Second,
		DelayMechanism:          "E2E",
		MaxForeignRecords:       5,
		Ap:                      10,
		Ai:                      1000,
		S:                       6,
		TTL:                     1,
		StatsListen:             ":4269",
		PrometheusPort:          9273,
	}
}

// Validate checks the config is internally consistent, the way
// sptp/client/config.go's Validate does, returning the first violation
// found.
func (c *Config) Validate() error {
	if c.Iface == "" {
		return fmt.Errorf("iface must be specified")
	}
	if c.Transport != TransportUDP4 {
		return fmt.Errorf("transport must be %q", TransportUDP4)
	}
	if c.ClockDriver != ClockDriverSystem && c.ClockDriver != ClockDriverPHC {
		return fmt.Errorf("clockDriver must be either %q or %q", ClockDriverSystem, ClockDriverPHC)
	}
	if c.ClockDriver == ClockDriverPHC && c.PHCDevice == "" {
		return fmt.Errorf("phcDevice must be specified when clockDriver is %q", ClockDriverPHC)
	}
	if c.MaxReset <= 0 {
		return fmt.Errorf("maxReset must be greater than zero")
	}
	if c.AnnounceReceiptTimeout == 0 {
		return fmt.Errorf("announceReceiptTimeout must be positive")
	}
	if c.DelayMechanism != "E2E" && c.DelayMechanism != "P2P" && c.DelayMechanism != "disabled" {
		return fmt.Errorf("delayMechanism must be one of %q, %q, %q", "E2E", "P2P", "disabled")
	}
	if c.MaxForeignRecords < 1 {
		return fmt.Errorf("maxForeignRecords must be at least 1")
	}
	if c.Ap <= 0 || c.Ai <= 0 {
		return fmt.Errorf("Ap and Ai must be positive")
	}
	if c.TTL < 1 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.ClockDriver == ClockDriverSystem && c.SlaveOnly && c.ClockClass != ptp.ClockClassSlaveOnly {
		// slaveOnly forces clockClass 255 regardless of what was configured
		// (SPEC_FULL.md §6); not a validation error, just logged.
		log.Debug("slaveOnly set: clockClass will be forced to 255 regardless of configured value")
	}
	return nil
}

// ReadConfig reads and parses a YAML config file, applying defaults for
// anything the file omits, mirroring sptp/client/config.go's ReadConfig.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Overrides carries the CLI flag values that may override the on-disk (or
// default) config, with Set marking which flags were actually passed so an
// unset flag's zero value never clobbers a configured one.
type Overrides struct {
	Iface      string
	DomainNum  int
	SlaveOnly  bool
	ConfigPath string
	Set        map[string]bool
}

// PrepareConfig loads the YAML config (if any), layers CLI overrides on
// top logging a warning per override, then validates the result -
// matching sptp/client/config.go's PrepareConfig merge order.
func PrepareConfig(o Overrides) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	if o.ConfigPath != "" {
		cfg, err = ReadConfig(o.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", o.ConfigPath, err)
		}
	}
	warn := func(name string) { log.Warnf("overriding %s from CLI flag", name) }
	if o.Set["iface"] {
		warn("iface")
		cfg.Iface = o.Iface
	}
	if o.Set["domainNumber"] {
		warn("domainNumber")
		cfg.DomainNumber = uint8(o.DomainNum)
	}
	if o.Set["slaveOnly"] {
		warn("slaveOnly")
		cfg.SlaveOnly = o.SlaveOnly
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}

// delayMechanism maps the YAML string onto datasets.DelayMechanism. There
// is no separate disabled mode: "disabled" maps to E2E like any value other
// than "P2P", so such a port still runs the E2E Delay_Req exchange.
func (c *Config) delayMechanism() datasets.DelayMechanism {
	if c.DelayMechanism == "P2P" {
		return datasets.DelayMechanismP2P
	}
	return datasets.DelayMechanismE2E
}

// ServoConfig translates the configuration surface's Ap/Ai/s/maxReset/
// noAdjust/noResetClock fields into a servo.Config, the boundary §9's
// design note draws between configuration and the servo itself.
func (c *Config) ServoConfig() servo.Config {
	cfg := servo.DefaultConfig()
	cfg.Ap = c.Ap
	cfg.Ai = c.Ai
	cfg.FilterStiffness = c.S
	cfg.MaxReset = c.MaxReset
	cfg.NoAdjust = c.NoAdjust
	cfg.NoResetClock = c.NoResetClock
	return cfg
}

// ToPortConfig builds the port.Config the orchestrator's port.New call
// needs, doing the logInterval -> time.Duration conversion SPEC_FULL.md
// §6 leaves to the configuration surface.
func (c *Config) ToPortConfig() port.Config {
	return port.Config{
		AnnounceInterval:       ptp.LogInterval(c.LogAnnounceInterval).Duration(),
		SyncInterval:           ptp.LogInterval(c.LogSyncInterval).Duration(),
		DelayReqInterval:       ptp.LogInterval(c.LogMinDelayReqInterval).Duration(),
		PdelayReqInterval:      ptp.LogInterval(c.LogMinPdelayReqInterval).Duration(),
		AnnounceReceiptTimeout: c.AnnounceReceiptTimeout,
		QualificationTimeout:   c.QualificationTimeout,
		TwoStepFlag:            c.TwoStepFlag,
		DelayMechanism:         c.delayMechanism(),
		ServoConfig:            c.ServoConfig(),
		MaxDelay:               c.MaxDelay,
		InboundLatency:         timeinternal.FromDuration(c.InboundLatency),
		OutboundLatency:        timeinternal.FromDuration(c.OutboundLatency),
	}
}

// EffectiveClockClass applies the slaveOnly override SPEC_FULL.md §6
// specifies: a slaveOnly port always advertises clockClass 255 regardless
// of the configured value.
func (c *Config) EffectiveClockClass() ptp.ClockClass {
	if c.SlaveOnly {
		return ptp.ClockClassSlaveOnly
	}
	return c.ClockClass
}
