// Package verify provides cross-layer validation for the allocator
// stack. These helpers are used in tests and soak harnesses to ensure
// the layers' invariants are maintained.
package verify
