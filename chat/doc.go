// Package chat bridges Twitch IRC into the synchronization engine.
//
// The bridge joins TWITCH_CHANNEL with the bot credentials and, for every
// chat line:
//   - increments the parsed line counter used for per-stream message stats
//   - records the sender's user id so follower checks can address them
//   - counts first-time chatters into the current stats
//   - queues a follower check for the sender
//
// It also implements the outbound reply path used by title and game changes.
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes.
package chat
