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

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ptpd/ptpd-sub004/config"
	"github.com/ptpd/ptpd-sub004/datasets"
	"github.com/ptpd/ptpd-sub004/foreignmaster"
	"github.com/ptpd/ptpd-sub004/orchestrator"
	"github.com/ptpd/ptpd-sub004/osclock"
	"github.com/ptpd/ptpd-sub004/port"
	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
	"github.com/ptpd/ptpd-sub004/servo"
	"github.com/ptpd/ptpd-sub004/stats"
	"github.com/ptpd/ptpd-sub004/timer"
	"github.com/ptpd/ptpd-sub004/transport"
)

// exit codes, standardized by SPEC_FULL.md §6.
const (
	exitOK              = 0
	exitConfigError     = 1
	exitAllocationError = 2
	exitDaemonizeError  = 3
)

// daemonizedEnv marks a re-exec'd child so main doesn't fork a second time.
const daemonizedEnv = "PTPD_DAEMONIZED"

func main() {
	var (
		configFlag    string
		ifaceFlag     string
		domainFlag    int
		slaveOnlyFlag bool
		verboseFlag   bool
		daemonizeFlag bool
		setFlags      = map[string]bool{}
	)
	flag.StringVar(&configFlag, "config", "", "path to the YAML config")
	flag.StringVar(&ifaceFlag, "iface", "", "network interface to use")
	flag.IntVar(&domainFlag, "domainNumber", 0, "PTP domain number")
	flag.BoolVar(&slaveOnlyFlag, "slaveOnly", false, "force slave-only operation")
	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.BoolVar(&daemonizeFlag, "daemonize", false, "detach into the background")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	if daemonizeFlag && os.Getenv(daemonizedEnv) == "" {
		if err := daemonize(); err != nil {
			log.WithError(err).Error("failed to daemonize")
			os.Exit(exitDaemonizeError)
		}
		return
	}

	cfg, err := config.PrepareConfig(config.Overrides{
		Iface:      ifaceFlag,
		DomainNum:  domainFlag,
		SlaveOnly:  slaveOnlyFlag,
		ConfigPath: configFlag,
		Set:        setFlags,
	})
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(exitConfigError)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Error("ptpd exiting")
		os.Exit(exitAllocationError)
	}
	os.Exit(exitOK)
}

// daemonize re-execs the current process detached from the controlling
// terminal, the way a classic Unix daemon double-forks; Go's single
// process model makes a self re-exec with Setsid the idiomatic
// equivalent, since the runtime cannot safely fork without exec.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening /dev/null: %w", err)
	}
	defer devnull.Close()

	cmd := os.Environ()
	cmd = append(cmd, daemonizedEnv+"=1")
	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   cmd,
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return fmt.Errorf("starting detached process: %w", err)
	}
	log.Infof("daemonized as pid %d", proc.Pid)
	return nil
}

// run wires every collaborator (transport, OS clock, port, stats) and
// drives the orchestrator until a shutdown signal arrives, matching
// cmd/sptp/main.go's doWork/prepareConfig split.
func run(cfg *config.Config) error {
	iface, err := net.InterfaceByName(cfg.Iface)
	if err != nil {
		return fmt.Errorf("resolving interface %q: %w", cfg.Iface, err)
	}
	identity, err := ptp.NewClockIdentity(iface.HardwareAddr)
	if err != nil {
		return fmt.Errorf("deriving clock identity from %q: %w", cfg.Iface, err)
	}

	clockQuality := ptp.ClockQuality{
		ClockClass:              cfg.EffectiveClockClass(),
		ClockAccuracy:           cfg.ClockAccuracy,
		OffsetScaledLogVariance: cfg.OffsetScaledLogVariance,
	}
	clock := datasets.New(identity, clockQuality, cfg.Priority1, cfg.Priority2, cfg.DomainNumber, cfg.SlaveOnly)
	foreign := foreignmaster.New(cfg.MaxForeignRecords)
	sv := servo.New(cfg.ServoConfig())
	timers := timer.NewSet(time.Now())
	p := port.New(cfg.ToPortConfig(), clock, foreign, sv, timers)

	tr, err := transport.New(transport.Config{
		Iface:     iface,
		TTL:       cfg.TTL,
		PeerDelay: cfg.DelayMechanism == "P2P",
	})
	if err != nil {
		return fmt.Errorf("opening transport: %w", err)
	}
	defer tr.Close()

	device, err := clockDevice(cfg)
	if err != nil {
		return err
	}

	srv, err := stats.NewServer()
	if err != nil {
		return fmt.Errorf("building stats: %w", err)
	}

	orch := orchestrator.New(p, tr, device)
	orch.SetStats(srv)

	exporter := stats.NewPrometheusExporter(srv, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// SPEC_FULL.md §11.4: the core loop, the stats HTTP server and the
	// Prometheus exporter run as sibling goroutines of the daemon process,
	// supervised by one process-level errgroup; a signal-to-event pump is
	// the last.
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return orch.Run(egCtx) })
	eg.Go(func() error { return srv.Start(cfg.StatsListen, time.Minute) })
	if cfg.PrometheusPort != 0 {
		eg.Go(func() error { return exporter.Start(fmt.Sprintf(":%d", cfg.PrometheusPort)) })
	}
	eg.Go(func() error {
		select {
		case sig := <-sigCh:
			log.Infof("received %s, shutting down", sig)
			cancel()
		case <-egCtx.Done():
		}
		return nil
	})

	return eg.Wait()
}

// clockDevice selects the osclock.Device backing the Clock collaborator,
// per the clockDriver config field (SPEC_FULL.md §11.2). Only the system
// clock driver is implemented; phc is validated as a legal config value
// but has no concrete device yet (see DESIGN.md's dropped-code entry).
func clockDevice(cfg *config.Config) (osclock.Device, error) {
	switch cfg.ClockDriver {
	case config.ClockDriverSystem:
		return osclock.System(), nil
	case config.ClockDriverPHC:
		return nil, fmt.Errorf("clockDriver %q has no PHC device implementation in this build", cfg.ClockDriver)
	default:
		return nil, fmt.Errorf("unknown clockDriver %q", cfg.ClockDriver)
	}
}
