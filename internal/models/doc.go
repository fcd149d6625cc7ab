// Package models defines the track data model served by the node and the persistence interfaces behind it.
//
// The package contains two categories of types:
//
// 1. Wire types: JSON shapes exchanged with clients
//   - [TrackInfo] : Track metadata including source and ISRC
//   - [Track] : A [TrackInfo] paired with its encoded form
//   - [LoadResult] : Outcome of resolving an identifier (track, playlist, search, empty or error)
//   - [Exception] : A load or playback failure with a [Severity]
//
// 2. Persistent entities: Database-backed records with soft delete support
//   - [CachedTrack] : A resolved track cached by source identifier and ISRC
//   - [LastFMUser] : A Discord user linked to a last.fm session key
//   - [PluginRecord] : An installed plugin artifact
//
// All persistent entities implement the Model interface providing ID generation, timestamps and validation.
// The Repository[T] interface defines standard CRUD operations for database access.
package models
