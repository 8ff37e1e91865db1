// Package worker implements the cache proxy worker: one versioned cache bucket,
// a fixed precache list populated at install, eviction of every other bucket at
// activation, and a network-first fetch policy that falls back to the bucket
// (and for navigations to the cached root document) when the network fails.
//
// The worker never decides when it runs. The host package drives the lifecycle
// and awaits OnInstall/OnActivate before moving a worker to its next state.
package worker
