// Package cache provides the short-lived device snapshot cache.
//
// Two implementations satisfy Cache:
//   - Redis (redis/go-redis/v9), shared across consumer processes
//   - Memory, per-process, used when redis.enabled is false and in tests
//
// Cache writes are best effort: the relational store is the source of
// truth, so callers log and continue when the cache is unavailable.
package cache
