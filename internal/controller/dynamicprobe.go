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

package controller

import (
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jundorok/honeybeepf/internal/bpfprobe"
)

// knownTargets is the mutex-protected set of library paths a dynamic
// probe has already attached to. Per §5, the critical section stays
// small: collect candidates under the lock, release, attach without
// it, then reacquire briefly to record success.
type knownTargets struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (k *knownTargets) filterNew(candidates []string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seen == nil {
		k.seen = make(map[string]struct{})
	}
	var fresh []string
	for _, c := range candidates {
		if _, ok := k.seen[c]; !ok {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

func (k *knownTargets) record(lib string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seen == nil {
		k.seen = make(map[string]struct{})
	}
	k.seen[lib] = struct{}{}
}

// OnExec filters libs to those matching the probe's base name, diffs
// against the known-targets set, and attaches every symbol's uprobe
// pair against each newly discovered library. It returns the number of
// successful uprobe-pair attach calls, for tests.
func (p *DynamicProbe) OnExec(loader *bpfprobe.Loader, libs []string) int {
	var candidates []string
	for _, lib := range libs {
		if p.BaseName.MatchString(filepath.Base(lib)) {
			candidates = append(candidates, lib)
		}
	}

	fresh := p.known.filterNew(candidates)
	attached := 0
	for _, lib := range fresh {
		allOK := true
		for _, sym := range p.Symbols {
			if err := loader.AttachUprobePair(sym.EntryProgram, sym.ExitProgram, sym.Symbol, lib); err != nil {
				log.Warnf("controller: %s attach %s@%s: %v", p.Name, sym.Symbol, lib, err)
				allOK = false
				continue
			}
			attached++
		}
		if allOK {
			p.known.record(lib)
		}
	}
	return attached
}
