// Package attache implements a Discord chat bot backed by an OpenAI or
// Gemini completion provider, together with the HTTP backend the bot
// reads its configuration from.
//
// The bot replies to messages that mention it, or that arrive in an
// allowlisted channel. Each reply is generated from three parts: the
// admin-editable system instructions, a rolling summary of recent
// conversation, and the user's message. After replying, the bot appends
// an excerpt of the exchange to the shared summary.
//
// Key components of the package include:
//
//   - Attache: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles Discord integration and message processing.
//   - EndpointClient / ConfigCache: The bot's view of the backend endpoint,
//     with a short-TTL snapshot cache that falls back to the last good
//     configuration when the endpoint is unreachable.
//   - API: Serves the bot-facing endpoint and the admin dashboard API.
//   - HealthTracker / HeartbeatReporter: Tracks errors and periodically
//     reports a liveness snapshot to the backend.
//
// Configuration lives in the database and is editable at runtime through
// the admin API; the bot picks up changes within the cache TTL without
// restarting.
package attache

// Version information, set at build time with:
//
//	-ldflags "-X github.com/attachebot/attache/attache.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)
