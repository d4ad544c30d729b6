package gateway

import (
	"context"
	"fmt"

	"github.com/ashureev/shsh-agent-server/internal/gateway/brokerclient"
	"github.com/ashureev/shsh-agent-server/internal/ids"
)

// brokerNewSession creates or resumes a conversation through the broker
// rather than an in-process Manager: it dials in, initializes, and
// issues newConversation/resumeConversation, then immediately disconnects
// — the long-lived connection for the session itself is opened later by
// runBrokerConversation when the browser connects its WebSocket.
func (gw *Gateway) brokerNewSession(ctx context.Context, cfg map[string]any, rolloutPath string) (ids.ConversationId, error) {
	client, err := brokerclient.Dial(gw.cfg.BrokerSocketPath)
	if err != nil {
		return "", fmt.Errorf("gateway: broker dial failed: %w", err)
	}
	defer client.Close()

	if err := client.Initialize(ctx, "shsh-gateway", "1.0"); err != nil {
		return "", fmt.Errorf("gateway: broker initialize failed: %w", err)
	}

	if rolloutPath != "" {
		return client.ResumeConversation(ctx, cfg, rolloutPath)
	}
	return client.NewConversation(ctx, cfg)
}
