package threadbox

import "context"

// Frontend abstracts the chat platform that produces inbound events.
type Frontend interface {
	// Poll returns a channel of inbound events. The channel closes when ctx is cancelled.
	Poll(ctx context.Context) (<-chan InboundEvent, error)
	// Send posts a reply into a channel and returns the platform message ID.
	Send(ctx context.Context, channelID string, text string) (string, error)
	// SendTyping shows a typing indicator.
	SendTyping(ctx context.Context, channelID string) error
}
