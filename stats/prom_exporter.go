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

package stats

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusExporter registers one gauge per GetCounters() key, grounded on
// ptp/sptp/stats/prom_exporter.go's PrometheusExporter. Unlike the
// teacher's exporter, which scrapes its own JSON endpoint over HTTP because
// it lives in a separate process from the sptp client, this exporter reads
// the in-process Stats directly - the daemon owns both the counters and
// the exporter in the same binary.
type PrometheusExporter struct {
	registry *prometheus.Registry
	source   StatsServer
	interval time.Duration
}

// NewPrometheusExporter builds an exporter over the given counter source.
func NewPrometheusExporter(source StatsServer, scrapeInterval time.Duration) *PrometheusExporter {
	return &PrometheusExporter{registry: prometheus.NewRegistry(), source: source, interval: scrapeInterval}
}

// Start runs the periodic scrape loop and serves /metrics until the
// process exits.
func (e *PrometheusExporter) Start(listen string) error {
	go func() {
		for {
			e.scrape()
			time.Sleep(e.interval)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.Infof("starting prometheus exporter on %s", listen)
	return http.ListenAndServe(listen, mux)
}

func (e *PrometheusExporter) scrape() {
	for key, val := range e.source.GetCounters() {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: flattenKey(key), Help: key})
		if err := e.registry.Register(gauge); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if errors.As(err, are) {
				gauge = are.ExistingCollector.(prometheus.Gauge)
			} else {
				log.WithError(err).Errorf("failed to register metric %s", key)
				continue
			}
		}
		gauge.Set(float64(val))
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}
