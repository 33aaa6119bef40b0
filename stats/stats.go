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

// Package stats tracks the daemon's atomic counters (message rx/tx, BMC
// elections, servo state, discards per SPEC_FULL.md §7's error kinds) and
// serves them over HTTP as JSON and Prometheus, grounded on
// ptp/sptp/client/stats.go's Stats struct and dotted-metric-name
// GetCounters() map.
package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shirou/gopsutil/process"
)

// StatsServer is the counter surface the orchestrator and its collaborators
// record against; a narrow interface so the orchestrator and port packages
// never depend on the concrete Stats type or its HTTP server.
type StatsServer interface {
	IncRXAnnounce()
	IncRXSync()
	IncRXFollowUp()
	IncRXDelayReq()
	IncRXDelayResp()
	IncRXPdelayReq()
	IncRXPdelayResp()
	IncTXAnnounce()
	IncTXSync()
	IncTXDelayReq()
	IncBMCElection()
	SetServoState(state int)
	SetPortState(state int)
	IncDiscarded(reason string)
	CollectSysStats()
	GetCounters() map[string]int64
}

// counters is a grouping of the per-message-type and per-condition
// counters; not used directly outside Stats.
type counters struct {
	rxAnnounce  int64
	rxSync      int64
	rxFollowUp  int64
	rxDelayReq  int64
	rxDelayResp int64
	rxPdelayReq int64
	rxPdelayResp int64
	txAnnounce  int64
	txSync      int64
	txDelayReq  int64
	bmcElections int64
	servoState   int64
	portState    int64
}

// sysStats mirrors ptp/sptp/client/stats.go's grouping of process-level
// metrics gathered once per CollectSysStats call.
type sysStats struct {
	uptimeSec      int64
	cpuPCT         int64
	rss            int64
	goRoutines     int64
	gcPauseNs      int64
	gcPauseTotalNs int64
}

// Stats is the concrete StatsServer, guarding its discard-by-reason map
// (the only non-fixed-shape counter) with a mutex; every fixed counter is a
// plain atomic int64, per the teacher's pattern.
type Stats struct {
	mu sync.Mutex

	counters
	sysStats
	discarded map[string]int64

	procStart time.Time
	memstats  runtime.MemStats
	proc      *process.Process
}

// New builds a Stats bound to the current process for RSS/CPU sampling.
func New() (*Stats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	return &Stats{
		discarded: map[string]int64{},
		procStart: time.Now(),
		proc:      proc,
	}, err
}

func (s *Stats) IncRXAnnounce()   { atomic.AddInt64(&s.rxAnnounce, 1) }
func (s *Stats) IncRXSync()       { atomic.AddInt64(&s.rxSync, 1) }
func (s *Stats) IncRXFollowUp()   { atomic.AddInt64(&s.rxFollowUp, 1) }
func (s *Stats) IncRXDelayReq()   { atomic.AddInt64(&s.rxDelayReq, 1) }
func (s *Stats) IncRXDelayResp()  { atomic.AddInt64(&s.rxDelayResp, 1) }
func (s *Stats) IncRXPdelayReq()  { atomic.AddInt64(&s.rxPdelayReq, 1) }
func (s *Stats) IncRXPdelayResp() { atomic.AddInt64(&s.rxPdelayResp, 1) }
func (s *Stats) IncTXAnnounce()   { atomic.AddInt64(&s.txAnnounce, 1) }
func (s *Stats) IncTXSync()       { atomic.AddInt64(&s.txSync, 1) }
func (s *Stats) IncTXDelayReq()   { atomic.AddInt64(&s.txDelayReq, 1) }
func (s *Stats) IncBMCElection()  { atomic.AddInt64(&s.bmcElections, 1) }

// SetServoState atomically records the servo's current servo.State.
func (s *Stats) SetServoState(state int) { atomic.StoreInt64(&s.servoState, int64(state)) }

// SetPortState atomically records the port's current ptp.PortState.
func (s *Stats) SetPortState(state int) { atomic.StoreInt64(&s.portState, int64(state)) }

// IncDiscarded bumps the counter for one of SPEC_FULL.md §7's discard
// reasons (malformedMessage, wrongDomain, selfMessage, sequenceMismatch,
// staleTimestamp, offsetTooLarge).
func (s *Stats) IncDiscarded(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded[reason]++
}

// CollectSysStats gathers cpu, mem and gc statistics, the same fields
// ptp/sptp/client/stats.go's CollectSysStats reports.
func (s *Stats) CollectSysStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	runtime.ReadMemStats(&s.memstats)
	s.uptimeSec = time.Now().Unix() - s.procStart.Unix()

	if val, err := s.proc.Percent(0); err == nil {
		s.cpuPCT = int64(val * 100)
	}
	if val, err := s.proc.MemoryInfo(); err == nil {
		s.rss = int64(val.RSS)
	}
	s.goRoutines = int64(runtime.NumGoroutine())
	s.gcPauseNs = int64(s.memstats.PauseTotalNs) - s.gcPauseTotalNs
	s.gcPauseTotalNs = int64(s.memstats.PauseTotalNs)
}

// GetCounters returns the dotted-name counter map the JSON and Prometheus
// exporters both read from, the same shape ptp/sptp/client/stats.go uses.
func (s *Stats) GetCounters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]int64{
		"ptpd.portstats.rx.announce":     atomic.LoadInt64(&s.rxAnnounce),
		"ptpd.portstats.rx.sync":         atomic.LoadInt64(&s.rxSync),
		"ptpd.portstats.rx.follow_up":    atomic.LoadInt64(&s.rxFollowUp),
		"ptpd.portstats.rx.delay_req":    atomic.LoadInt64(&s.rxDelayReq),
		"ptpd.portstats.rx.delay_resp":   atomic.LoadInt64(&s.rxDelayResp),
		"ptpd.portstats.rx.pdelay_req":   atomic.LoadInt64(&s.rxPdelayReq),
		"ptpd.portstats.rx.pdelay_resp":  atomic.LoadInt64(&s.rxPdelayResp),
		"ptpd.portstats.tx.announce":     atomic.LoadInt64(&s.txAnnounce),
		"ptpd.portstats.tx.sync":         atomic.LoadInt64(&s.txSync),
		"ptpd.portstats.tx.delay_req":    atomic.LoadInt64(&s.txDelayReq),
		"ptpd.bmc.elections":             atomic.LoadInt64(&s.bmcElections),
		"ptpd.servo.state":               atomic.LoadInt64(&s.servoState),
		"ptpd.port.state":                atomic.LoadInt64(&s.portState),
		"ptpd.runtime.gc.pause_ns.sum":   s.gcPauseNs,
		"ptpd.runtime.cpu.goroutines":    s.goRoutines,
		"ptpd.process.rss":               s.rss,
		"ptpd.process.cpu_pct":           s.cpuPCT,
		"ptpd.process.uptime":            s.uptimeSec,
	}
	for reason, count := range s.discarded {
		out[fmt.Sprintf("ptpd.discarded.%s", reason)] = count
	}
	return out
}

// Server wraps Stats with a JSON HTTP endpoint in the style of
// ptp/sptp/client's JSONStats. Only "/counters" is registered.
type Server struct {
	*Stats
}

// NewServer builds a Server; periodic sysstats collection begins in Start.
func NewServer() (*Server, error) {
	s, err := New()
	if err != nil {
		return nil, err
	}
	return &Server{Stats: s}, nil
}

// Start runs the HTTP monitoring server until the process exits, collecting
// sysstats once per interval the way JSONStats.Start does.
func (srv *Server) Start(listen string, interval time.Duration) error {
	go func() {
		for range time.Tick(interval) {
			srv.CollectSysStats()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/counters", srv.handleCounters)
	log.Infof("starting stats http server on %s", listen)
	return http.ListenAndServe(listen, mux)
}

func (srv *Server) handleCounters(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(srv.GetCounters())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.WithError(err).Error("failed to reply to /counters")
	}
}
