// Package repositories implements SQLite persistence for the node's durable state.
//
// Each repository handles writes with atomic sequence generation for stable ordering.
// All repositories soft delete via deleted_at timestamps and exclude deleted rows from queries.
//
// Key Implementations:
//   - [TrackCacheRepository] : resolved tracks keyed by source identifier and looked up by ISRC
//   - [TrackCacheAdapter] : the cache as seen by the source mirror
//   - [LastFMUserRepository] : last.fm session keys and scrobble preference per client user
//   - [PluginRepository] : installed plugin artifacts
//
// The [NextSequence] function atomically increments per-table counters in dedicated sequence tables.
package repositories
