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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainerIDFromCgroupLine(t *testing.T) {
	hex := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
	cases := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{
			name: "cgroup v2 kubepods besteffort",
			line: "0::/kubepods/besteffort/podX/" + hex,
			want: "a1b2c3d4e5f6",
			ok:   true,
		},
		{
			name: "cgroup v1 memory controller",
			line: "12:memory:/kubepods/besteffort/podY/" + hex,
			want: "a1b2c3d4e5f6",
			ok:   true,
		},
		{
			name: "scope suffix with cri-containerd prefix",
			line: "0::/kubepods.slice/kubepods-besteffort.slice/cri-containerd-" + hex + ".scope",
			want: "a1b2c3d4e5f6",
			ok:   true,
		},
		{
			name: "non-container session scope",
			line: "0::/user.slice/user-1000.slice/session-1.scope",
			want: "",
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ContainerIDFromCgroupLine(tc.line)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDeploymentNameFromReplicaSetStripsOneDashSuffix(t *testing.T) {
	require.Equal(t, "my-app", deploymentNameFromReplicaSet("my-app-7c9b8d6f5"))
	require.Equal(t, "nodash", deploymentNameFromReplicaSet("nodash"))
}

func TestPodInfoFromOwnerMarksReplicaSetHeuristic(t *testing.T) {
	info := podInfoFromOwner("default", "my-app-7c9b8d6f5-abcde", "ReplicaSet", "my-app-7c9b8d6f5")
	require.Equal(t, "Deployment", info.WorkloadKind)
	require.Equal(t, "my-app", info.WorkloadName)
	require.True(t, info.HeuristicName)
}

func TestPodInfoFromOwnerCarriesOtherKindsVerbatim(t *testing.T) {
	info := podInfoFromOwner("default", "my-job-abc", "Job", "my-job")
	require.Equal(t, "Job", info.WorkloadKind)
	require.Equal(t, "my-job", info.WorkloadName)
	require.False(t, info.HeuristicName)
}

func TestResolverCachesNegativeLookups(t *testing.T) {
	store := &PodStore{byContainerID: map[string]PodInfo{}}
	r := NewResolver(store)

	// A pid with no /proc/<pid>/cgroup (won't exist in test sandbox as
	// a real container) resolves negative and is cached as such.
	_, ok := r.Resolve(999999999)
	require.False(t, ok)

	r.mu.Lock()
	entry, cached := r.cgroupCache[999999999]
	r.mu.Unlock()
	require.True(t, cached)
	require.False(t, entry.found)
}

func TestResolverSweepEvictsEntriesMissingFromStore(t *testing.T) {
	store := &PodStore{byContainerID: map[string]PodInfo{"abc123456789": {PodName: "p"}}}
	r := NewResolver(store)
	r.cgroupCache[1] = cgroupCacheEntry{containerID: "abc123456789", found: true}
	r.cgroupCache[2] = cgroupCacheEntry{containerID: "nolongerhere", found: true}

	removed := r.Sweep()
	require.Equal(t, 1, removed)
	_, stillCached := r.cgroupCache[2]
	require.False(t, stillCached)
	_, stillCached = r.cgroupCache[1]
	require.True(t, stillCached)
}

func TestShortIDFromContainerStatusID(t *testing.T) {
	hex := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
	id, ok := shortIDFromContainerStatusID("containerd://" + hex)
	require.True(t, ok)
	require.Equal(t, "a1b2c3d4e5f6", id)

	_, ok = shortIDFromContainerStatusID("not-a-uri")
	require.False(t, ok)
}
