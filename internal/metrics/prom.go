package metrics

/*
checkerbase — high-throughput credential checking engine in Go
Copyright (C) 2025  Pepijn van der Stap <checkerbase@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry          = prometheus.NewRegistry()
	defaultRegisterer = promauto.With(registry)
	metricsServer     *http.Server
	serverLock        sync.Mutex
)

// Exporter mirrors a Metrics instance into Prometheus collectors so a run
// can be observed remotely in addition to the local banner.
type Exporter struct {
	processedBytes prometheus.Gauge
	totalBytes     prometheus.Gauge
	success        prometheus.Gauge
	failed         prometheus.Gauge
	ignored        prometheus.Gauge
	retries        prometheus.Gauge
	cpm            prometheus.Gauge
	bytesPerSec    prometheus.Gauge
}

var exporterOnce sync.Once
var globalExporter *Exporter

// GetExporter returns the process-wide exporter, creating and registering
// its collectors on first use.
func GetExporter() *Exporter {
	exporterOnce.Do(func() {
		globalExporter = &Exporter{
			processedBytes: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
				Name: "checkerbase_processed_bytes",
				Help: "Input bytes whose consumption has been committed",
			}),
			totalBytes: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
				Name: "checkerbase_total_bytes",
				Help: "Input file length in bytes",
			}),
			success: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
				Name: "checkerbase_success_total",
				Help: "Records classified as success",
			}),
			failed: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
				Name: "checkerbase_failed_total",
				Help: "Records classified as failed",
			}),
			ignored: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
				Name: "checkerbase_ignored_total",
				Help: "Records classified as ignored",
			}),
			retries: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
				Name: "checkerbase_retries_total",
				Help: "Transient retry attempts",
			}),
			cpm: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
				Name: "checkerbase_checks_per_minute",
				Help: "Processed lines per minute of active run time",
			}),
			bytesPerSec: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
				Name: "checkerbase_bytes_per_second",
				Help: "Committed input bytes per second of active run time",
			}),
		}
	})

	return globalExporter
}

// Observe publishes a snapshot to the collectors.
func (e *Exporter) Observe(s Snapshot) {
	e.processedBytes.Set(float64(s.ProcessedBytes))
	e.totalBytes.Set(float64(s.TotalBytes))
	e.success.Set(float64(s.Success))
	e.failed.Set(float64(s.Failed))
	e.ignored.Set(float64(s.Ignored))
	e.retries.Set(float64(s.Retries))
	e.cpm.Set(s.CPM)
	e.bytesPerSec.Set(s.BytesPerSec)
}

// StartMetricsServer serves /metrics on addr. Best effort: a bind failure is
// returned to the caller but never stops a run.
func StartMetricsServer(addr string) error {
	serverLock.Lock()
	defer serverLock.Unlock()

	if metricsServer != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ln <- err
		}
	}()

	select {
	case err := <-ln:
		serverLockReset()

		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func serverLockReset() {
	metricsServer = nil
}

// StopMetricsServer shuts the /metrics endpoint down.
func StopMetricsServer(ctx context.Context) error {
	serverLock.Lock()
	defer serverLock.Unlock()

	if metricsServer == nil {
		return nil
	}

	err := metricsServer.Shutdown(ctx)
	metricsServer = nil

	return err
}
