/*
Copyright 2025.

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
	"sync"

	"sigs.k8s.io/controller-runtime/pkg/client"
)

// versionTracker remembers the last resourceVersion fully processed per
// object. Redelivered or out-of-order events for an already handled
// version are dropped without side effects. Entries are removed when
// the object is deleted so names can be reused.
type versionTracker struct {
	mu   sync.Mutex
	seen map[client.ObjectKey]string
}

func newVersionTracker() *versionTracker {
	return &versionTracker{seen: make(map[client.ObjectKey]string)}
}

// Stale reports whether rv was already processed for key.
func (t *versionTracker) Stale(key client.ObjectKey, rv string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen[key] == rv
}

// Mark records rv as processed for key.
func (t *versionTracker) Mark(key client.ObjectKey, rv string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[key] = rv
}

// Forget drops the entry for key.
func (t *versionTracker) Forget(key client.ObjectKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, key)
}
