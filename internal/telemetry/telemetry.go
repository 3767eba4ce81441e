/*
Copyright (c) Meta Platforms, Inc. and its affiliates.
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

// Package telemetry is the metrics façade: idempotent named counters
// and histograms per event class, plus an observable "active probes"
// gauge, exported over OTLP when configured and a no-op otherwise.
package telemetry

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	exportInterval = 30 * time.Second
	exportTimeout  = 10 * time.Second
)

// Facade exposes the named instruments for every event class described
// in §4.J. It is safe for concurrent use and is a no-op when no OTLP
// endpoint is configured.
type Facade struct {
	meter metric.Meter

	blockIOEvents   metric.Int64Counter
	blockIOBytes    metric.Int64Counter
	blockIOLatency  metric.Int64Histogram
	netLatency      metric.Int64Histogram
	connectAttempts metric.Int64Counter
	tcpConnects     metric.Int64Counter
	tcpLatency      metric.Int64Histogram
	tcpRetransmits  metric.Int64Counter
	dnsQueries      metric.Int64Counter
	dnsLatency      metric.Int64Histogram
	vfsReads        metric.Int64Counter
	vfsWrites       metric.Int64Counter
	vfsLatency      metric.Int64Histogram
	fileAccess      metric.Int64Counter
	runqueueLatency metric.Int64Histogram
	offCPUDuration  metric.Int64Histogram
	contextSwitches metric.Int64Counter
	gpuOpens        metric.Int64Counter
	ncclEvents      metric.Int64Counter

	activeProbesMu sync.RWMutex
	activeProbes   map[string]int64

	shutdown     func(context.Context) error
	shutdownOnce sync.Once
}

// New builds the facade against endpoint, the already-normalized
// (scheme-prepended) value of internal/config's Settings.OTLPEndpoint.
// If endpoint is empty, every recording method becomes a cheap no-op
// (the noop meter provider's instruments still satisfy the metric.*
// interfaces).
func New(ctx context.Context, endpoint string) (*Facade, error) {
	f := &Facade{activeProbes: make(map[string]int64)}

	if endpoint == "" {
		log.Info("telemetry: no OTLP endpoint configured, metrics disabled")
		f.meter = noop.NewMeterProvider().Meter("honeybeepf")
		f.shutdown = func(context.Context) error { return nil }
		if err := f.buildInstruments(); err != nil {
			return nil, err
		}
		return f, nil
	}

	exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	if err != nil {
		return nil, err
	}
	reader := sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(exportInterval),
		sdkmetric.WithTimeout(exportTimeout),
	)
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	f.meter = provider.Meter("honeybeepf")
	f.shutdown = provider.Shutdown

	f.registerActiveProbesGauge()
	if err := f.buildInstruments(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Facade) buildInstruments() error {
	var firstErr error
	counter := func(name string) metric.Int64Counter {
		c, err := f.meter.Int64Counter(name)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return c
	}
	histogram := func(name string) metric.Int64Histogram {
		h, err := f.meter.Int64Histogram(name)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return h
	}

	f.blockIOEvents = counter("honeybeepf.block_io.events")
	f.blockIOBytes = counter("honeybeepf.block_io.bytes")
	f.blockIOLatency = histogram("honeybeepf.block_io.latency_ns")

	f.netLatency = histogram("honeybeepf.network.latency_ns")
	f.connectAttempts = counter("honeybeepf.network.connect_attempts")

	f.tcpConnects = counter("honeybeepf.tcp.connects")
	f.tcpLatency = histogram("honeybeepf.tcp.latency_ns")
	f.tcpRetransmits = counter("honeybeepf.tcp.retransmissions")

	f.dnsQueries = counter("honeybeepf.dns.queries")
	f.dnsLatency = histogram("honeybeepf.dns.latency_ns")

	f.vfsReads = counter("honeybeepf.vfs.reads")
	f.vfsWrites = counter("honeybeepf.vfs.writes")
	f.vfsLatency = histogram("honeybeepf.vfs.latency_ns")

	f.fileAccess = counter("honeybeepf.file_access.events")

	f.runqueueLatency = histogram("honeybeepf.runqueue.latency_ns")
	f.offCPUDuration = histogram("honeybeepf.offcpu.duration_ns")
	f.contextSwitches = counter("honeybeepf.context_switches")

	f.gpuOpens = counter("honeybeepf.gpu.opens")
	f.ncclEvents = counter("honeybeepf.nccl.events")

	return firstErr
}

func (f *Facade) registerActiveProbesGauge() {
	_, _ = f.meter.Int64ObservableGauge("honeybeepf.active_probes",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			f.activeProbesMu.RLock()
			defer f.activeProbesMu.RUnlock()
			for name, count := range f.activeProbes {
				o.Observe(count, metric.WithAttributes(attribute.String("probe", name)))
			}
			return nil
		}),
	)
}

// RecordActiveProbe sets the attach count reported for probe under the
// "active probes" observable gauge.
func (f *Facade) RecordActiveProbe(probe string, count int64) {
	f.activeProbesMu.Lock()
	defer f.activeProbesMu.Unlock()
	f.activeProbes[probe] = count
}

// Attrs is the minimal, per-metric documented attribute set: process
// name whenever the event carries a command name (connection, DNS and
// runqueue events carry none, so their metrics have no process
// attribute); device/operation/destination/protocol/cgroup as
// applicable; pod/namespace/workload-kind/workload-name when identity
// resolution is enabled. Empty fields are omitted.
type Attrs struct {
	Process      string
	Device       string
	Operation    string
	Destination  string
	Protocol     string
	CgroupID     string
	Namespace    string
	Pod          string
	WorkloadKind string
	WorkloadName string
}

func (a Attrs) toOtel() []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, 9)
	add := func(key, val string) {
		if val != "" {
			kvs = append(kvs, attribute.String(key, val))
		}
	}
	add("process", a.Process)
	add("device", a.Device)
	add("operation", a.Operation)
	add("destination", a.Destination)
	add("protocol", a.Protocol)
	add("cgroup_id", a.CgroupID)
	add("namespace", a.Namespace)
	add("pod", a.Pod)
	add("workload_kind", a.WorkloadKind)
	add("workload_name", a.WorkloadName)
	return kvs
}

func (f *Facade) RecordBlockIO(ctx context.Context, bytes, latencyNs int64, a Attrs) {
	opt := metric.WithAttributes(a.toOtel()...)
	f.blockIOEvents.Add(ctx, 1, opt)
	f.blockIOBytes.Add(ctx, bytes, opt)
	f.blockIOLatency.Record(ctx, latencyNs, opt)
}

func (f *Facade) RecordNetworkLatency(ctx context.Context, latencyNs int64, a Attrs) {
	f.netLatency.Record(ctx, latencyNs, metric.WithAttributes(a.toOtel()...))
}

func (f *Facade) RecordConnectAttempt(ctx context.Context, a Attrs) {
	f.connectAttempts.Add(ctx, 1, metric.WithAttributes(a.toOtel()...))
}

func (f *Facade) RecordTCPConnect(ctx context.Context, latencyNs int64, a Attrs) {
	opt := metric.WithAttributes(a.toOtel()...)
	f.tcpConnects.Add(ctx, 1, opt)
	f.tcpLatency.Record(ctx, latencyNs, opt)
}

func (f *Facade) RecordTCPRetransmit(ctx context.Context, a Attrs) {
	f.tcpRetransmits.Add(ctx, 1, metric.WithAttributes(a.toOtel()...))
}

func (f *Facade) RecordDNSQuery(ctx context.Context, latencyNs int64, a Attrs) {
	opt := metric.WithAttributes(a.toOtel()...)
	f.dnsQueries.Add(ctx, 1, opt)
	f.dnsLatency.Record(ctx, latencyNs, opt)
}

func (f *Facade) RecordVFS(ctx context.Context, write bool, latencyNs int64, a Attrs) {
	opt := metric.WithAttributes(a.toOtel()...)
	if write {
		f.vfsWrites.Add(ctx, 1, opt)
	} else {
		f.vfsReads.Add(ctx, 1, opt)
	}
	f.vfsLatency.Record(ctx, latencyNs, opt)
}

func (f *Facade) RecordFileAccess(ctx context.Context, a Attrs) {
	f.fileAccess.Add(ctx, 1, metric.WithAttributes(a.toOtel()...))
}

func (f *Facade) RecordRunqueueLatency(ctx context.Context, latencyNs int64, a Attrs) {
	f.runqueueLatency.Record(ctx, latencyNs, metric.WithAttributes(a.toOtel()...))
}

func (f *Facade) RecordOffCPU(ctx context.Context, durationNs int64, reason string, a Attrs) {
	a.Operation = reason
	f.offCPUDuration.Record(ctx, durationNs, metric.WithAttributes(a.toOtel()...))
}

func (f *Facade) RecordContextSwitch(ctx context.Context, a Attrs) {
	f.contextSwitches.Add(ctx, 1, metric.WithAttributes(a.toOtel()...))
}

func (f *Facade) RecordGPUOpen(ctx context.Context, a Attrs) {
	f.gpuOpens.Add(ctx, 1, metric.WithAttributes(a.toOtel()...))
}

func (f *Facade) RecordNCCLEvent(ctx context.Context, op string, a Attrs) {
	a.Operation = op
	f.ncclEvents.Add(ctx, 1, metric.WithAttributes(a.toOtel()...))
}

// Shutdown flushes and tears down the exporter exactly once.
func (f *Facade) Shutdown(ctx context.Context) error {
	var err error
	f.shutdownOnce.Do(func() {
		err = f.shutdown(ctx)
	})
	return err
}
