// Package courier bridges chat platforms (Discord, Slack) to the generation
// pipeline. A platform-specific Adapter delivers inbound messages; the Router
// classifies them into commands and generation requests and replies with
// text or image files.
package courier

import (
	"context"
	"hash/fnv"
	"time"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. Each adapter handles connection management, message receiving,
// reply sending, and image-attachment download for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message. An empty ChannelID targets the
	// adapter's configured default channel.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// InboundMessage represents a message received from the chat platform.
// Attachment carries the bytes of the first image attached to the message,
// already downloaded by the adapter; nil when the message has none.
type InboundMessage struct {
	Platform   string    // e.g. "discord", "slack"
	ChannelID  string    // platform-specific channel identifier
	UserID     string    // platform-specific user identifier
	UserName   string    // human-readable username
	Text       string    // raw message text
	Attachment []byte    // first attached image, if any
	Timestamp  time.Time // when the message was sent
}

// OutboundMessage represents a reply to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string // target channel; empty = adapter default
	Text      string
	Files     []File // image uploads
}

// File is one binary upload attached to an outbound message.
type File struct {
	Name string
	Data []byte
}

// UserKey maps a platform-scoped string user ID to the int64 key used by
// the history log. FNV-1a keeps the mapping stable across restarts without
// a lookup table; the platform name is part of the input so the same
// numeric ID on Discord and Slack never collides.
func UserKey(platform, userID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(platform))
	h.Write([]byte{':'})
	h.Write([]byte(userID))
	return int64(h.Sum64())
}
