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

// Package controller is the probe lifecycle controller: it raises the
// memlock rlimit, loads the kernel bytecode, attaches static and
// dynamic probes, drains every ring buffer, and runs the selector loop
// that dispatches exec batches to each dynamic probe's on-exec reaction.
package controller

import (
	"context"
	"os/signal"
	"regexp"
	"syscall"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jundorok/honeybeepf/internal/bpfprobe"
	"github.com/jundorok/honeybeepf/internal/config"
	"github.com/jundorok/honeybeepf/internal/discovery"
	"github.com/jundorok/honeybeepf/internal/events"
	"github.com/jundorok/honeybeepf/internal/execwatch"
	"github.com/jundorok/honeybeepf/internal/identity"
	"github.com/jundorok/honeybeepf/internal/provider"
	"github.com/jundorok/honeybeepf/internal/shutdownflag"
	"github.com/jundorok/honeybeepf/internal/telemetry"
	"github.com/jundorok/honeybeepf/internal/tlsstream"
)

// Ring buffer and map names exported by the kernel bytecode object,
// per §6's "*_EVENTS" / "PENDING_*" naming convention.
const (
	mapExecEvents       = "EXEC_EVENTS"
	mapConnectionEvents = "CONNECTION_EVENTS"
	mapBlockIOEvents    = "BLOCK_IO_EVENTS"
	mapVFSLatencyEvents = "VFS_LATENCY_EVENTS"
	mapFileAccessEvents = "FILE_ACCESS_EVENTS"
	mapRunqueueEvents   = "RUNQUEUE_EVENTS"
	mapDNSEvents        = "DNS_EVENTS"
	mapTLSEvents        = "TLS_EVENTS"
	mapGPUOpenEvents    = "GPU_OPEN_EVENTS"
	mapGPUCloseEvents   = "GPU_CLOSE_EVENTS"
	mapNCCLEvents       = "NCCL_EVENTS"

	// Config maps seeded by seedConfigMaps, per §6.
	mapWatchedPaths          = "WATCHED_PATHS"
	mapVFSLatencyThresholdNs = "VFS_LATENCY_THRESHOLD_NS"
	mapRunqueueThresholdNs   = "RUNQUEUE_THRESHOLD_NS"
	mapOffCPUThresholdNs     = "OFFCPU_THRESHOLD_NS"
)

// nccFixedPaths are the well-known locations the NCCL dynamic probe
// tries before falling back to the dynamic-linker cache, per §6's
// "Override path ... falls back to a fixed list then to the
// dynamic-linker cache."
var nccFixedPaths = []string{
	"/usr/lib/x86_64-linux-gnu/libnccl.so.2",
	"/usr/lib/libnccl.so.2",
	"/opt/nccl/lib/libnccl.so.2",
}

// Controller owns the loaded kernel-program container and drives the
// agent's whole lifecycle from startup through signal-driven shutdown.
type Controller struct {
	cfg    config.Settings
	loader *bpfprobe.Loader
	flag   *shutdownflag.Flag

	execBridge *execwatch.Bridge
	dynamic    []*DynamicProbe

	tlsTracker        *tlsstream.Tracker
	providerReg       *provider.LiveRegistry
	stopProviderWatch func()
	facade            *telemetry.Facade
	resolver          *identity.Resolver

	blockIOPending map[events.BlockIOKey]events.BlockIOEvent
}

// New builds the controller. It does not touch the kernel until Start
// is called.
func New(cfg config.Settings, facade *telemetry.Facade, resolver *identity.Resolver) *Controller {
	c := &Controller{
		cfg:            cfg,
		flag:           shutdownflag.New(),
		execBridge:     execwatch.New(),
		facade:         facade,
		resolver:       resolver,
		blockIOPending: make(map[events.BlockIOKey]events.BlockIOEvent),
	}
	c.providerReg = provider.NewLiveRegistry()
	c.tlsTracker = tlsstream.NewTrackerLive(c.providerReg, c.emitExchangeSummary)
	return c
}

// emitExchangeSummary is the single structured record §4.F emits per
// completed LLM exchange: it carries model name, latencies, and token
// counts, logged at info level (a future sink can subscribe here).
func (c *Controller) emitExchangeSummary(s tlsstream.Summary) {
	log.WithFields(log.Fields{
		"provider":          s.Provider,
		"model":             s.Model,
		"prompt_tokens":     s.PromptTokens,
		"completion_tokens": s.CompletionTokens,
		"pid":               s.Key.Pid,
		"tid":               s.Key.Tid,
		"request_latency":   s.ResponseStart.Sub(s.RequestStart),
		"response_latency":  s.CompletedAt.Sub(s.ResponseStart),
	}).Info("llm exchange completed")
}

// Start performs the fixed startup sequence from §4.E: raise rlimit,
// load bytecode, attach static probes, seed dynamic probes, install the
// exec watch, and spawn every ring-buffer drainer.
func (c *Controller) Start() error {
	if err := raiseMemlockRlimit(); err != nil {
		return err
	}

	loader, err := bpfprobe.NewLoader(c.cfg.BPFObject)
	if err != nil {
		return err
	}
	c.loader = loader

	c.seedConfigMaps()
	c.attachStaticProbes()
	c.dynamic = c.buildDynamicProbes()
	c.seedDynamicProbes()
	c.attachExecWatch()
	c.spawnDrainers()

	stop, err := c.providerReg.WatchConfigFile()
	if err != nil {
		log.Warnf("controller: provider config watch: %v", err)
	} else {
		c.stopProviderWatch = stop
	}

	return nil
}

// seedConfigMaps pushes the watched-path hashes and the three latency
// thresholds computed by internal/config into the kernel's one-entry
// config maps, per §6. File-access events only fire once
// mapWatchedPaths is populated, so this must run before any probe
// attaches.
func (c *Controller) seedConfigMaps() {
	for _, hash := range c.cfg.WatchedPathHashes {
		hash := hash
		present := uint8(1)
		if err := c.loader.SetConfigValue(mapWatchedPaths, unsafe.Pointer(&hash), unsafe.Pointer(&present)); err != nil {
			log.Warnf("controller: seed watched path hash %x: %v", hash, err)
		}
	}

	thresholds := []struct {
		name string
		ns   uint64
	}{
		{mapVFSLatencyThresholdNs, c.cfg.VFSLatencyThresholdNs},
		{mapRunqueueThresholdNs, c.cfg.RunqueueThresholdNs},
		{mapOffCPUThresholdNs, c.cfg.OffCPUThresholdNs},
	}
	key := uint32(0)
	for _, t := range thresholds {
		ns := t.ns
		if err := c.loader.SetConfigValue(t.name, unsafe.Pointer(&key), unsafe.Pointer(&ns)); err != nil {
			log.Warnf("controller: seed %s: %v", t.name, err)
		}
	}
}

// attachStaticProbes attaches every statically configured probe whose
// BUILTIN_PROBES__<GROUP>__<PROBE> flag is enabled. Attach failures are
// warned, never fatal, per §7.
func (c *Controller) attachStaticProbes() {
	type staticProbe struct {
		group, probe, entryProgram, exitProgram, targetFunc string
		tracepoint                                          *tracepointSpec
	}
	type tracepointSpec struct{ category, name, program string }

	probes := []staticProbe{
		{group: "filesystem", probe: "vfs_latency", entryProgram: "vfs_read_entry", exitProgram: "vfs_read_exit", targetFunc: "vfs_read"},
		{group: "filesystem", probe: "vfs_latency", entryProgram: "vfs_write_entry", exitProgram: "vfs_write_exit", targetFunc: "vfs_write"},
		{group: "filesystem", probe: "file_access", entryProgram: "do_sys_openat2_entry", exitProgram: "do_sys_openat2_exit", targetFunc: "do_sys_openat2"},
		{group: "block_io", probe: "block_io", tracepoint: &tracepointSpec{category: "block", name: "block_rq_issue", program: "block_rq_issue"}},
		{group: "block_io", probe: "block_io", tracepoint: &tracepointSpec{category: "block", name: "block_rq_complete", program: "block_rq_complete"}},
		{group: "network", probe: "connect", entryProgram: "tcp_connect_entry", exitProgram: "tcp_connect_exit", targetFunc: "tcp_v4_connect"},
		{group: "network", probe: "retransmit", tracepoint: &tracepointSpec{category: "tcp", name: "tcp_retransmit_skb", program: "tcp_retransmit_skb"}},
		{group: "dns", probe: "dns", tracepoint: &tracepointSpec{category: "net", name: "net_dev_queue", program: "dns_query"}},
		{group: "scheduler", probe: "runqueue", tracepoint: &tracepointSpec{category: "sched", name: "sched_wakeup", program: "sched_wakeup"}},
		{group: "scheduler", probe: "offcpu", tracepoint: &tracepointSpec{category: "sched", name: "sched_switch", program: "sched_switch"}},
	}

	attachedCount := make(map[string]int64)
	for _, p := range probes {
		if !c.cfg.ProbeEnabled(p.group, p.probe) {
			continue
		}
		var err error
		switch {
		case p.tracepoint != nil:
			err = c.loader.AttachTracepoint(p.tracepoint.program, p.tracepoint.category, p.tracepoint.name)
		default:
			err = c.loader.AttachKprobePair(p.entryProgram, p.exitProgram, p.targetFunc)
		}
		name := p.group + "." + p.probe
		if err != nil {
			log.Warnf("controller: attach %s/%s: %v", p.group, p.probe, err)
			continue
		}
		attachedCount[name]++
	}

	if c.facade != nil {
		for name, count := range attachedCount {
			c.facade.RecordActiveProbe(name, count)
		}
	}
}

// DynamicProbe reacts to newly exec'd processes by attaching uprobe
// pairs against any newly discovered library matching BaseName.
type DynamicProbe struct {
	Name     string
	BaseName *regexp.Regexp
	Symbols  []symbolProgram

	// SeedPaths are tried in order ahead of the dynamic-linker-cache
	// discovery scan, e.g. an operator-supplied library override or a
	// fixed list of well-known install locations (§6).
	SeedPaths []string

	known    knownTargets
	attached int64
}

type symbolProgram struct {
	Symbol       string
	EntryProgram string
	ExitProgram  string
}

// buildDynamicProbes returns the agent's dynamic probe set: TLS capture
// over libssl when BUILTIN_PROBES__LLM is enabled, and NCCL
// instrumentation over libnccl when BUILTIN_PROBES__GPU__NCCL is enabled.
func (c *Controller) buildDynamicProbes() []*DynamicProbe {
	var probes []*DynamicProbe
	if c.cfg.LLMCaptureEnabled {
		probes = append(probes, &DynamicProbe{
			Name:     "tls_capture",
			BaseName: regexp.MustCompile(`^libssl\.so`),
			Symbols: []symbolProgram{
				{Symbol: "SSL_read", EntryProgram: "ssl_read_entry", ExitProgram: "ssl_read_exit"},
				{Symbol: "SSL_write", EntryProgram: "ssl_write_entry", ExitProgram: "ssl_write_exit"},
				{Symbol: "SSL_do_handshake", EntryProgram: "ssl_handshake_entry", ExitProgram: "ssl_handshake_exit"},
			},
		})
	}
	if c.cfg.ProbeEnabled("gpu", "nccl") {
		probes = append(probes, &DynamicProbe{
			Name:     "nccl_capture",
			BaseName: regexp.MustCompile(`^libnccl\.so`),
			Symbols: []symbolProgram{
				{Symbol: "ncclAllReduce", EntryProgram: "nccl_allreduce_entry", ExitProgram: "nccl_allreduce_exit"},
			},
			SeedPaths: nccSeedPaths(c.cfg.NCCLPath),
		})
	}
	return probes
}

// nccSeedPaths resolves the NCCL library candidates tried ahead of the
// dynamic-linker cache scan: an operator override first, then the
// fixed fallback list, per §6.
func nccSeedPaths(override string) []string {
	if override != "" {
		return append([]string{override}, nccFixedPaths...)
	}
	return append([]string{}, nccFixedPaths...)
}

// seedDynamicProbes performs the startup full discovery scan and
// attaches every dynamic probe against whatever is already running.
func (c *Controller) seedDynamicProbes() {
	if len(c.dynamic) == 0 {
		return
	}
	scanner := &discovery.Scanner{LDConfigSubstring: "lib"}
	libs := scanner.FullScan()
	paths := make([]string, 0, len(libs))
	for p := range libs {
		paths = append(paths, p)
	}
	for _, probe := range c.dynamic {
		candidates := append(append([]string{}, probe.SeedPaths...), paths...)
		n := probe.OnExec(c.loader, candidates)
		c.recordProbeAttach(probe, n)
	}
}

// recordProbeAttach adds n newly attached uprobe pairs to probe's
// running total and reports it on the "active probes" gauge (§4.J).
func (c *Controller) recordProbeAttach(probe *DynamicProbe, n int) {
	if c.facade == nil || n == 0 {
		return
	}
	probe.attached += int64(n)
	c.facade.RecordActiveProbe(probe.Name, probe.attached)
}

func (c *Controller) attachExecWatch() {
	if err := c.loader.AttachTracepoint("exec_enter", "sched", "sched_process_exec"); err != nil {
		log.Warnf("controller: attach exec watch: %v", err)
	}
}

// spawnDrainers wires one ring-buffer drainer per kernel event map to
// its decode-and-dispatch handler.
func (c *Controller) spawnDrainers() {
	drain := func(mapName string, handler bpfprobe.RingbufHandler) {
		if err := c.loader.SpawnRingbufDrainer(mapName, handler, c.flag); err != nil {
			log.Warnf("controller: spawn drainer for %s: %v", mapName, err)
		}
	}

	drain(mapExecEvents, func(frame []byte) {
		ev, err := events.DecodeExecEvent(frame)
		if err != nil {
			return
		}
		c.execBridge.Enqueue(int(ev.Pid))
	})

	drain(mapTLSEvents, c.handleTLSEvent)
	drain(mapConnectionEvents, c.handleConnectionEvent)
	drain(mapBlockIOEvents, c.handleBlockIOEvent)
	drain(mapVFSLatencyEvents, c.handleVFSLatencyEvent)
	drain(mapFileAccessEvents, c.handleFileAccessEvent)
	drain(mapRunqueueEvents, c.handleRunqueueEvent)
	drain(mapDNSEvents, c.handleDNSEvent)
	drain(mapGPUOpenEvents, c.handleGPUOpenEvent)
	drain(mapGPUCloseEvents, c.handleGPUCloseEvent)
	drain(mapNCCLEvents, c.handleNCCLEvent)
}

// Run installs the signal handler and blocks on the selector loop until
// an interrupt arrives, then tears everything down. It returns nil on
// clean shutdown.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go c.runSweeper("tls-stream", tlsstream.SweepInterval(), func() { c.tlsTracker.Sweep() })
	if c.resolver != nil {
		go c.runSweeper("identity-cgroup", identity.SweepInterval(), func() { c.resolver.Sweep() })
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-c.flag.Done():
			return nil
		default:
		}

		batch, ok := c.execBridge.AwaitBatch(mergeDone(ctx.Done(), c.flag.Done()))
		if !ok {
			c.shutdown()
			return nil
		}
		c.handleExecBatch(batch)
	}
}

func mergeDone(a, b <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-a:
		case <-b:
		}
		close(out)
	}()
	return out
}

func (c *Controller) runSweeper(name string, interval time.Duration, sweep func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-c.flag.Done():
			log.Debugf("controller: %s sweeper exiting", name)
			return
		}
	}
}

// handleExecBatch reads each pid's mapped libraries once (shared across
// every dynamic probe) and invokes each probe's on-exec reaction with
// that library list.
func (c *Controller) handleExecBatch(pids []int) {
	for _, pid := range pids {
		libs := discovery.ProcessLibraries(pid)
		for _, probe := range c.dynamic {
			n := probe.OnExec(c.loader, libs)
			c.recordProbeAttach(probe, n)
		}
	}
}

func (c *Controller) shutdown() {
	c.flag.Set()
	if c.stopProviderWatch != nil {
		c.stopProviderWatch()
	}
	if c.loader != nil {
		if err := c.loader.Close(); err != nil {
			log.Warnf("controller: close loader: %v", err)
		}
	}
	if c.facade != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.facade.Shutdown(shutdownCtx); err != nil {
			log.Warnf("controller: telemetry shutdown: %v", err)
		}
	}
}

func raiseMemlockRlimit() error {
	limit := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
		return err
	}
	return nil
}
