// Package chat carries the conversational surface: the transport that talks
// to the chat platform and the router that dispatches inbound messages.
package chat

import "context"

// Event is one inbound chat message, normalized away from the platform's
// update envelope.
type Event struct {
	UpdateID  int64
	ChatID    int64
	MessageID int64
	Text      string
}

// Handler processes one inbound event. Events from the same chat are delivered
// in order; the handler must not retain the event past the call.
type Handler func(ctx context.Context, event Event)

// Transport is the chat platform contract. Poll blocks delivering events to
// the handler until ctx is done.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	Poll(ctx context.Context, handler Handler) error
}
