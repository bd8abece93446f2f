package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentforms/formchat/internal/model"
)

// ResponderRequest is the conversation state handed to a Responder after a
// visitor message.
type ResponderRequest struct {
	Agent    *model.Agent
	Session  *model.Session
	Progress model.Progress
	// FieldKey and Issues describe the field the visitor just answered when
	// the answer was rejected.
	FieldKey string
	Issues   model.ValidationIssues
}

type ResponderReply struct {
	Content  string
	FieldKey *string
}

// Responder produces the agent's next message. A nil reply means stay quiet.
type Responder interface {
	Respond(ctx context.Context, req ResponderRequest) (*ResponderReply, error)
}

// PromptResponder asks for the next outstanding required field, re-asking
// with the validation message when the last answer was rejected.
type PromptResponder struct{}

func NewPromptResponder() *PromptResponder {
	return &PromptResponder{}
}

func (r *PromptResponder) Respond(_ context.Context, req ResponderRequest) (*ResponderReply, error) {
	if req.Agent == nil || req.Session == nil || req.Session.Status != model.SessionStatusInProgress {
		return nil, nil
	}

	if len(req.Issues) > 0 {
		if field, ok := req.Agent.Schema.Field(req.FieldKey); ok {
			content := req.Issues[0].Message + ". " + prompt(field)
			return &ResponderReply{Content: content, FieldKey: &field.Key}, nil
		}
	}

	if len(req.Progress.RemainingFieldKeys) == 0 {
		return nil, nil
	}
	field, ok := req.Agent.Schema.Field(req.Progress.RemainingFieldKeys[0])
	if !ok {
		return nil, nil
	}
	return &ResponderReply{Content: prompt(field), FieldKey: &field.Key}, nil
}

func prompt(field model.Field) string {
	var b strings.Builder
	label := field.Label
	if label == "" {
		label = field.Key
	}
	fmt.Fprintf(&b, "What is your %s?", strings.ToLower(label))
	if field.HelpText != "" {
		b.WriteString(" ")
		b.WriteString(field.HelpText)
	}
	if len(field.Options) > 0 {
		if field.Type == model.FieldTypeMultiSelect {
			b.WriteString(" Pick any of: ")
		} else {
			b.WriteString(" Options: ")
		}
		b.WriteString(strings.Join(field.Options, ", "))
	}
	return b.String()
}
