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
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/fields"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
)

const resyncPeriod = 5 * time.Minute

// PodStore indexes PodInfo by 12-hex short container id, kept current
// by a SharedInformer scoped to pods scheduled on one node.
type PodStore struct {
	mu    sync.RWMutex
	byContainerID map[string]PodInfo

	informer cache.SharedIndexInformer
}

// NewPodStore builds (but does not yet start) a node-scoped pod
// watcher using the in-cluster config. Call Run to begin streaming.
func NewPodStore(nodeName string) (*PodStore, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("identity: in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("identity: kubernetes client: %w", err)
	}
	return newPodStoreForClient(clientset, nodeName), nil
}

func newPodStoreForClient(clientset kubernetes.Interface, nodeName string) *PodStore {
	factory := informers.NewSharedInformerFactoryWithOptions(
		clientset,
		resyncPeriod,
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.FieldSelector = fields.OneTermEqualSelector("spec.nodeName", nodeName).String()
		}),
	)
	podInformer := factory.Core().V1().Pods().Informer()

	s := &PodStore{
		byContainerID: make(map[string]PodInfo),
		informer:      podInformer,
	}

	podInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj any) { s.upsert(obj) },
		UpdateFunc: func(_, obj any) { s.upsert(obj) },
		DeleteFunc: func(obj any) { s.remove(obj) },
	})

	return s
}

// Run starts the informer and blocks until ctx is cancelled.
func (s *PodStore) Run(ctx context.Context) {
	s.informer.Run(ctx.Done())
}

// WaitForCacheSync blocks until the initial pod list has been synced.
func (s *PodStore) WaitForCacheSync(ctx context.Context) bool {
	return cache.WaitForCacheSync(ctx.Done(), s.informer.HasSynced)
}

func (s *PodStore) upsert(obj any) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return
	}
	info := podInfoFromPod(pod)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range pod.Status.ContainerStatuses {
		if id, ok := shortIDFromContainerStatusID(cs.ContainerID); ok {
			s.byContainerID[id] = info
		}
	}
}

func (s *PodStore) remove(obj any) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			pod, ok = tombstone.Obj.(*corev1.Pod)
			if !ok {
				return
			}
		} else {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range pod.Status.ContainerStatuses {
		if id, ok := shortIDFromContainerStatusID(cs.ContainerID); ok {
			delete(s.byContainerID, id)
		}
	}
}

// Lookup returns the PodInfo for a 12-hex short container id.
func (s *PodStore) Lookup(shortID string) (PodInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.byContainerID[shortID]
	return info, ok
}

// Has reports whether shortID is currently tracked, used by the
// cgroup-cache sweeper to evict stale entries.
func (s *PodStore) Has(shortID string) bool {
	_, ok := s.Lookup(shortID)
	return ok
}

func podInfoFromPod(pod *corev1.Pod) PodInfo {
	if len(pod.OwnerReferences) == 0 {
		return PodInfo{Namespace: pod.Namespace, PodName: pod.Name}
	}
	owner := pod.OwnerReferences[0]
	return podInfoFromOwner(pod.Namespace, pod.Name, owner.Kind, owner.Name)
}

// shortIDFromContainerStatusID extracts the 12-hex short id from a
// ContainerStatus.ContainerID, which arrives as a scheme-prefixed URI
// like "containerd://<64-hex>".
func shortIDFromContainerStatusID(containerID string) (string, bool) {
	idx := indexAfterScheme(containerID)
	if idx < 0 || idx+12 > len(containerID) {
		return "", false
	}
	if !hex64.MatchString(containerID[idx:]) {
		return "", false
	}
	return containerID[idx : idx+12], true
}

func indexAfterScheme(s string) int {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return i + 3
		}
	}
	return -1
}
