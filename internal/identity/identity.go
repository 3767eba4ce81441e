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

// Package identity resolves a pid to the Kubernetes pod that owns it,
// bridging /proc/<pid>/cgroup container-id extraction to a node-scoped
// pod watcher.
package identity

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const sweepInterval = 60 * time.Second

// PodInfo is what the identity resolver attaches to an event once a
// pid's cgroup has been traced back to a pod.
type PodInfo struct {
	Namespace     string
	PodName       string
	WorkloadKind  string
	WorkloadName  string
	HeuristicName bool // true when WorkloadName came from the ReplicaSet dash-strip heuristic
}

type cgroupCacheEntry struct {
	containerID string // empty string means "resolved negative"
	found       bool
}

// Resolver owns a container-id cache filled from /proc/<pid>/cgroup and
// keyed by pid (not by cgroup id), and queries the pod store for
// container-id→PodInfo.
type Resolver struct {
	mu    sync.Mutex
	cgroupCache map[int]cgroupCacheEntry

	store *PodStore
}

// NewResolver wraps a PodStore with cgroup-parsing and caching.
func NewResolver(store *PodStore) *Resolver {
	return &Resolver{
		cgroupCache: make(map[int]cgroupCacheEntry),
		store:       store,
	}
}

// Resolve returns the PodInfo for pid, if its cgroup maps to a
// container the pod store knows about. Both positive and negative
// cgroup lookups are cached to avoid syscall storms on high-PID-churn
// hosts.
func (r *Resolver) Resolve(pid int) (PodInfo, bool) {
	r.mu.Lock()
	entry, ok := r.cgroupCache[pid]
	r.mu.Unlock()

	if !ok {
		id, found := ContainerIDForPid(pid)
		entry = cgroupCacheEntry{containerID: id, found: found}
		r.mu.Lock()
		r.cgroupCache[pid] = entry
		r.mu.Unlock()
	}
	if !entry.found {
		return PodInfo{}, false
	}
	return r.store.Lookup(entry.containerID)
}

// Sweep evicts cgroup-cache entries whose container id is no longer
// present in the pod store, per §4.I's 60s cadence.
func (r *Resolver) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for pid, entry := range r.cgroupCache {
		if entry.found && !r.store.Has(entry.containerID) {
			delete(r.cgroupCache, pid)
			removed++
		}
	}
	return removed
}

// SweepInterval exposes the cadence constant for the caller wiring the
// background ticker.
func SweepInterval() time.Duration { return sweepInterval }

// deploymentNameFromReplicaSet strips one trailing dash-suffix segment
// from a ReplicaSet name to recover its owning Deployment's name. This
// is a known-lossy heuristic for workload names that themselves
// contain dashes; callers that use it must mark the result heuristic.
func deploymentNameFromReplicaSet(rsName string) string {
	idx := strings.LastIndex(rsName, "-")
	if idx < 0 {
		return rsName
	}
	return rsName[:idx]
}

func podInfoFromOwner(namespace, podName, ownerKind, ownerName string) PodInfo {
	if ownerKind == "ReplicaSet" {
		deployment := deploymentNameFromReplicaSet(ownerName)
		log.Debugf("identity: derived deployment %q from replicaset %q via dash-strip heuristic", deployment, ownerName)
		return PodInfo{
			Namespace:     namespace,
			PodName:       podName,
			WorkloadKind:  "Deployment",
			WorkloadName:  deployment,
			HeuristicName: true,
		}
	}
	return PodInfo{
		Namespace:    namespace,
		PodName:      podName,
		WorkloadKind: ownerKind,
		WorkloadName: ownerName,
	}
}
