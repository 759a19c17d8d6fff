// Package admission implements capacity-bounded admission control for streaming connections.
// It tracks a fixed pool of connection slots behind a pluggable store (in-process map or
// a shared Redis set) and guarantees that live slots never exceed the configured capacity.
package admission
