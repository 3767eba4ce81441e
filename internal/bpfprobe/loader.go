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

// Package bpfprobe wraps libbpfgo with the four attach primitives this
// agent needs: tracepoints, kprobe pairs, uprobes, and ring-buffer
// drainers. It owns the loaded kernel-program container and every link
// opened against it, and tears all of it down on Close.
package bpfprobe

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/aquasecurity/libbpfgo"
	log "github.com/sirupsen/logrus"

	"github.com/jundorok/honeybeepf/internal/shutdownflag"
)

// pollInterval is how long a ring-buffer drainer sleeps when it finds no
// frames available, per spec.md §4.B.
const pollInterval = 10 * time.Millisecond

// tracefsMounts are the two locations the kernel may expose tracefs at,
// depending on distro configuration.
var tracefsMounts = []string{
	"/sys/kernel/tracing/events",
	"/sys/kernel/debug/tracing/events",
}

// Loader owns one loaded BPF object and every program/link/map derived
// from it. All attach operations run inside the controller's goroutine,
// so the loader itself does not need a lock around attachment - only
// around the link registry it hands back to callers for teardown.
type Loader struct {
	module *libbpfgo.Module

	mu    sync.Mutex
	links []*libbpfgo.BPFLink

	loadedUprobePrograms map[string]bool
}

// NewLoader loads the pre-built kernel bytecode object from objPath.
// Failure here is always fatal to startup (spec.md §7).
func NewLoader(objPath string) (*Loader, error) {
	if _, err := os.Stat(objPath); err != nil {
		return nil, fmt.Errorf("bpf object %s: %w", objPath, err)
	}
	module, err := libbpfgo.NewModuleFromFile(objPath)
	if err != nil {
		return nil, fmt.Errorf("load bpf object: %w", err)
	}
	if err := module.BPFLoadObject(); err != nil {
		module.Close()
		return nil, fmt.Errorf("bpf load object: %w", err)
	}
	return &Loader{
		module:               module,
		loadedUprobePrograms: make(map[string]bool),
	}, nil
}

// TracepointAvailable checks whether the tracefs node for category/name
// exists under either known mount point.
func TracepointAvailable(category, name string) bool {
	for _, root := range tracefsMounts {
		path := fmt.Sprintf("%s/%s/%s", root, category, name)
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// AttachTracepoint attaches programName to category/name. If the
// tracefs node does not exist on this host kernel, it logs and returns
// nil rather than an error: the probe is simply unavailable here.
func (l *Loader) AttachTracepoint(programName, category, name string) error {
	if !TracepointAvailable(category, name) {
		log.Warnf("tracepoint %s/%s not available on this host, skipping %s", category, name, programName)
		return nil
	}
	prog, err := l.module.GetProgram(programName)
	if err != nil {
		return fmt.Errorf("get program %s: %w", programName, err)
	}
	link, err := prog.AttachTracepoint(category, name)
	if err != nil {
		return fmt.Errorf("attach tracepoint %s/%s: %w", category, name, err)
	}
	l.addLink(link)
	return nil
}

// AttachKprobePair loads and attaches both an entry and an exit program
// to the same kernel function. Callers are expected to log and continue
// on error, per spec.md §4.B.
func (l *Loader) AttachKprobePair(entryProgram, exitProgram, targetFunc string) error {
	entry, err := l.module.GetProgram(entryProgram)
	if err != nil {
		return fmt.Errorf("get program %s: %w", entryProgram, err)
	}
	entryLink, err := entry.AttachKprobe(targetFunc)
	if err != nil {
		return fmt.Errorf("attach kprobe %s to %s: %w", entryProgram, targetFunc, err)
	}
	l.addLink(entryLink)

	exit, err := l.module.GetProgram(exitProgram)
	if err != nil {
		return fmt.Errorf("get program %s: %w", exitProgram, err)
	}
	link, err := exit.AttachKretprobe(targetFunc)
	if err != nil {
		return fmt.Errorf("attach kretprobe %s to %s: %w", exitProgram, targetFunc, err)
	}
	l.addLink(link)
	return nil
}

// AttachUprobePair attaches an entry and exit program to the same
// symbol at offset 0 of libraryPath. Loading each program is idempotent:
// a program already loaded (by name) is reused rather than reloaded, so
// repeated calls across newly discovered libraries only cost a new link.
func (l *Loader) AttachUprobePair(entryProgram, exitProgram, symbol, libraryPath string) error {
	entry, err := l.module.GetProgram(entryProgram)
	if err != nil {
		return fmt.Errorf("get program %s: %w", entryProgram, err)
	}
	entryLink, err := entry.AttachUprobe(-1, libraryPath, symbolOffset)
	if err != nil {
		return fmt.Errorf("attach uprobe %s@%s(%s): %w", symbol, libraryPath, entryProgram, err)
	}
	l.addLink(entryLink)
	l.loadedUprobePrograms[entryProgram] = true

	exit, err := l.module.GetProgram(exitProgram)
	if err != nil {
		return fmt.Errorf("get program %s: %w", exitProgram, err)
	}
	exitLink, err := exit.AttachURetprobe(-1, libraryPath, symbolOffset)
	if err != nil {
		return fmt.Errorf("attach uretprobe %s@%s(%s): %w", symbol, libraryPath, exitProgram, err)
	}
	l.addLink(exitLink)
	l.loadedUprobePrograms[exitProgram] = true
	return nil
}

// symbolOffset is always 0: spec.md §4.B attaches "at the given symbol
// offset 0 of the given library file" — we never attach mid-function.
const symbolOffset = 0

func (l *Loader) addLink(link *libbpfgo.BPFLink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.links = append(l.links, link)
}

// GetMap returns the named BPF map, for callers that need to seed
// config maps (watched paths, latency thresholds) or read pending-op
// state.
func (l *Loader) GetMap(name string) (*libbpfgo.BPFMap, error) {
	m, err := l.module.GetMap(name)
	if err != nil {
		return nil, fmt.Errorf("get map %s: %w", name, err)
	}
	return m, nil
}

// SetConfigValue writes a single fixed-size value into mapName at key,
// for pushing user-space-computed config (watched-path hashes,
// latency thresholds) into the kernel before any probe depends on it.
func (l *Loader) SetConfigValue(mapName string, key, value unsafe.Pointer) error {
	m, err := l.GetMap(mapName)
	if err != nil {
		return err
	}
	if err := m.Update(key, value); err != nil {
		return fmt.Errorf("update map %s: %w", mapName, err)
	}
	return nil
}

// RingbufHandler receives a typed copy of each drained frame.
type RingbufHandler func(frame []byte)

// SpawnRingbufDrainer takes ownership of mapName's ring buffer and runs
// a dedicated blocking worker that drains all available frames,
// invoking handler with a copy of each. It sleeps pollInterval when no
// frames are available, and exits when flag is set.
func (l *Loader) SpawnRingbufDrainer(mapName string, handler RingbufHandler, flag *shutdownflag.Flag) error {
	eventsChan := make(chan []byte, 4096)
	rb, err := l.module.InitRingBuf(mapName, eventsChan)
	if err != nil {
		return fmt.Errorf("init ring buffer %s: %w", mapName, err)
	}
	rb.Start()

	go func() {
		defer rb.Stop()
		defer rb.Close()
		for {
			if flag.IsSet() {
				return
			}
			select {
			case frame := <-eventsChan:
				cpy := make([]byte, len(frame))
				copy(cpy, frame)
				handler(cpy)
			default:
				time.Sleep(pollInterval)
			}
		}
	}()
	return nil
}

// Close detaches every link opened against this loader and releases the
// kernel program container. Safe to call once at shutdown.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, link := range l.links {
		if err := link.Destroy(); err != nil {
			log.Warnf("detach link: %v", err)
		}
	}
	l.links = nil
	l.module.Close()
	return nil
}
