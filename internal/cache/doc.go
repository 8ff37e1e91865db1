// Package cache implements the versioned key-value cache store used by the
// proxy worker. A Storage holds named buckets; each bucket maps a request
// identity (absolute GET URL) to a response snapshot. Two drivers exist: a
// filesystem layout under StoragePath/<bucket>/ written with temp file + rename,
// and a SQLite database. Buckets are only ever removed as a whole, which is how
// the worker evicts superseded versions on activation.
package cache
