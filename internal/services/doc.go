// Package services defines the [Source] interface for track providers and the [Registry] that routes
// load requests to them.
//
// # Sources
//
// Each source claims identifiers through CanLoad and owns zero or more search prefixes:
//   - [YouTubeSource] : youtube.com/youtu.be links via kkdai/youtube; ytsearch and ytmsearch through the music proxy
//   - [SoundCloudSource] : soundcloud.com links and scsearch; the client id is scraped and refreshed
//   - [BandcampSource] : *.bandcamp.com track and album pages and bcsearch
//   - [SpotifySource] : open.spotify.com links, spotify: URIs and spsearch (client credentials)
//   - [DeezerSource] : deezer.com links, dzsearch and dzisrc
//   - [AppleMusicSource] : music.apple.com links and amsearch
//   - [HTTPSource] : any other http(s) URL whose content type is audio
//   - [LocalSource] : files on the node's filesystem
//
// # Mirroring
//
// Spotify, Deezer and Apple Music tracks carry metadata only. The [Mirror] resolves them to a playable
// track by walking the configured provider templates, substituting %ISRC% and %QUERY%.
//
// # Error Handling
//
// Source errors are converted into error load results by [Registry.LoadItem]:
//   - [shared.FriendlyError] : severity common, message shown to users
//   - [shared.ErrSourceDisabled], [shared.ErrAPIRequest] : severity suspicious
//   - anything else : severity fault, reported to Sentry
//
// # Outbound HTTP
//
// [NewHTTPClient] builds the client shared by sources: optional proxy, route planner bound local
// addresses with retry on 429 and a per-source request rate limit.
//
// [APIService] is the client side of the node's REST API.
package services
