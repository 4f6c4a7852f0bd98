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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

var _ = Describe("Version tracker", func() {
	var tracker *versionTracker
	key := client.ObjectKey{Namespace: "team-a", Name: "mnist"}

	BeforeEach(func() {
		tracker = newVersionTracker()
	})

	It("should treat unseen keys as fresh", func() {
		Expect(tracker.Stale(key, "100")).To(BeFalse())
	})

	It("should skip a marked resource version and pass newer ones", func() {
		tracker.Mark(key, "100")
		Expect(tracker.Stale(key, "100")).To(BeTrue())
		Expect(tracker.Stale(key, "101")).To(BeFalse())
	})

	It("should track keys independently", func() {
		other := client.ObjectKey{Namespace: "team-b", Name: "mnist"}
		tracker.Mark(key, "100")
		Expect(tracker.Stale(other, "100")).To(BeFalse())
	})

	It("should forget a key", func() {
		tracker.Mark(key, "100")
		tracker.Forget(key)
		Expect(tracker.Stale(key, "100")).To(BeFalse())
	})
})
