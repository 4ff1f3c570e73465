// Package agent defines the response-generation collaborator boundary.
// Prompt engineering and model selection are configuration concerns of
// the implementation, not of the orchestrator core.
package agent

import (
	"context"
)

// Exchange is one completed user/agent pair of a session's conversation.
type Exchange struct {
	UserText  string
	AgentText string
}

// Service generates the agent's textual answer for a transcript, given
// the session's recent conversational context. Implementations must honor
// ctx cancellation promptly and map failures onto agent_unavailable.
type Service interface {
	Generate(ctx context.Context, transcript string, history []Exchange) (string, error)
}
