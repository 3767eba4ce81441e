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

// Package discovery enumerates host processes and their loaded
// libraries, resolving in-namespace paths to host-visible paths the way
// the teacher's probe.go resolves /proc/<pid>/comm and
// /proc/<pid>/cmdline — except here it's /proc/<pid>/maps and
// /proc/<pid>/root/<path>. Every per-process failure is swallowed: this
// is a best-effort scan, never a fatal one.
package discovery

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is a small per-process record of a pid, its command name
// and its mapped libraries. The controller's exec-batch path does not
// build one: it hands the library list from ProcessLibraries to each
// dynamic probe's OnExec directly.
type ProcessInfo struct {
	Pid       int
	Comm      string
	Libraries []string // host-visible paths of mapped libraries
}

// Scanner enumerates libraries matching a base-name pattern, optionally
// augmented by the dynamic-linker cache.
type Scanner struct {
	// BaseName matches a library's file base name, e.g. `^libssl\.so`.
	BaseName *regexp.Regexp
	// LDConfigSubstring, if non-empty, additionally reports system-wide
	// libraries whose ldconfig-reported path contains this substring.
	LDConfigSubstring string
}

// FullScan enumerates every process on the host, reads its memory map,
// and returns the set of host-visible library paths matching BaseName.
func (s *Scanner) FullScan() map[string]struct{} {
	pids, err := process.Pids()
	if err != nil {
		log.Warnf("discovery: enumerate pids: %v", err)
		return s.ldconfigAugment(nil)
	}
	intPids := make([]int, 0, len(pids))
	for _, p := range pids {
		intPids = append(intPids, int(p))
	}
	return s.scanPids(intPids)
}

// TargetedScan performs the same resolution as FullScan, restricted to
// the given pids (typically a batch of newly exec'd processes).
func (s *Scanner) TargetedScan(pids []int) map[string]struct{} {
	return s.scanPids(pids)
}

func (s *Scanner) scanPids(pids []int) map[string]struct{} {
	found := make(map[string]struct{})
	for _, pid := range pids {
		for _, path := range s.libsForPid(pid) {
			found[path] = struct{}{}
		}
	}
	return s.ldconfigAugment(found)
}

// ProcessLibraries returns the distinct, host-resolved library paths
// mapped into pid's address space, regardless of base-name filtering -
// used by the controller as the library list for on-exec dispatch.
func ProcessLibraries(pid int) []string {
	paths := rawMappedPaths(pid)
	out := make([]string, 0, len(paths))
	seen := make(map[string]struct{})
	for _, p := range paths {
		host, ok := resolveHostPath(pid, p)
		if !ok {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

func (s *Scanner) libsForPid(pid int) []string {
	var out []string
	for _, p := range rawMappedPaths(pid) {
		base := filepath.Base(p)
		if s.BaseName != nil && !s.BaseName.MatchString(base) {
			continue
		}
		if host, ok := resolveHostPath(pid, p); ok {
			out = append(out, host)
		}
	}
	return out
}

// rawMappedPaths reads /proc/<pid>/maps and returns the distinct
// in-namespace file paths with a backing file (skipping anonymous and
// special mappings like [heap], [stack], [vdso]).
func rawMappedPaths(pid int) []string {
	f, err := os.Open(procPath(pid, "maps"))
	if err != nil {
		// permission denied or the process raced with exit: best-effort.
		return nil
	}
	defer f.Close()
	return parseMapsPaths(f)
}

// parseMapsPaths extracts the distinct backing-file paths from the
// contents of a /proc/<pid>/maps file, skipping anonymous and special
// mappings like [heap], [stack], [vdso].
func parseMapsPaths(r io.Reader) []string {
	seen := make(map[string]struct{})
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}

// resolveHostPath resolves an in-namespace path for pid to its
// host-visible path via /proc/<pid>/root/<path>, returning ok=false if
// the resolved path does not exist on the host.
func resolveHostPath(pid int, inNamespacePath string) (string, bool) {
	candidate := filepath.Join(procPath(pid, "root"), inNamespacePath)
	if _, err := os.Stat(candidate); err != nil {
		return "", false
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		resolved = candidate
	}
	return resolved, true
}

func procPath(pid int, leaf string) string {
	return "/proc/" + strconv.Itoa(pid) + "/" + leaf
}

// ldconfigAugment adds system-wide libraries reported by the platform's
// dynamic-linker cache tool when LDConfigSubstring is set.
func (s *Scanner) ldconfigAugment(found map[string]struct{}) map[string]struct{} {
	if found == nil {
		found = make(map[string]struct{})
	}
	if s.LDConfigSubstring == "" {
		return found
	}
	out, err := exec.Command("ldconfig", "-p").Output()
	if err != nil {
		log.Debugf("discovery: ldconfig -p: %v", err)
		return found
	}
	for _, line := range strings.Split(string(out), "\n") {
		idx := strings.LastIndex(line, "=> ")
		if idx < 0 {
			continue
		}
		path := strings.TrimSpace(line[idx+len("=> "):])
		if path == "" {
			continue
		}
		if !strings.Contains(path, s.LDConfigSubstring) {
			continue
		}
		if s.BaseName != nil && !s.BaseName.MatchString(filepath.Base(path)) {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		found[path] = struct{}{}
	}
	return found
}
