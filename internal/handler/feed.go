package handler

import (
	"context"

	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/service"
)

// messageFeed turns a message subscription into a channel that a transport
// loop can select on next to its heartbeat. The channel is unbuffered so a
// stalled client backs up into the broker, which then cuts it loose.
type messageFeed struct {
	sub      *service.Subscription
	messages chan model.Message
}

func openFeed(ctx context.Context, messages *service.MessageService, sessionID string, after int64) (*messageFeed, error) {
	feed := &messageFeed{messages: make(chan model.Message)}

	sub, err := messages.Subscribe(ctx, sessionID, after, func(msg model.Message) error {
		select {
		case feed.messages <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}
	feed.sub = sub
	return feed, nil
}

func (f *messageFeed) Close() {
	f.sub.Unsubscribe()
}
