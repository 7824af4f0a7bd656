// Package arena provides the anonymous backing mapping that stands in
// for a machine's physical memory.
package arena
