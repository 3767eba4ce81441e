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

package identity

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ContainerIDFromCgroupLine extracts a 12-hex-character short
// container id from one line of /proc/<pid>/cgroup, per §4.I: split
// into at most three colon-separated fields, take the third (the
// path); require it to reference kubepods, docker, or containerd;
// the terminal path segment is either a bare 64-hex string or a
// "...scope" suffix whose dash-separated last segment is 64-hex.
func ContainerIDFromCgroupLine(line string) (string, bool) {
	fields := strings.SplitN(strings.TrimSpace(line), ":", 3)
	if len(fields) != 3 {
		return "", false
	}
	path := fields[2]
	if !strings.Contains(path, "kubepods") && !strings.Contains(path, "docker") && !strings.Contains(path, "containerd") {
		return "", false
	}

	segments := strings.Split(strings.TrimRight(path, "/"), "/")
	if len(segments) == 0 {
		return "", false
	}
	last := segments[len(segments)-1]

	var candidate string
	if strings.HasSuffix(last, ".scope") {
		trimmed := strings.TrimSuffix(last, ".scope")
		parts := strings.Split(trimmed, "-")
		candidate = parts[len(parts)-1]
	} else {
		candidate = last
	}

	if !hex64.MatchString(candidate) {
		return "", false
	}
	return candidate[:12], true
}

// ContainerIDForPid reads /proc/<pid>/cgroup and returns the first
// line that resolves to a container id.
func ContainerIDForPid(pid int) (string, bool) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id, ok := ContainerIDFromCgroupLine(scanner.Text()); ok {
			return id, true
		}
	}
	return "", false
}
