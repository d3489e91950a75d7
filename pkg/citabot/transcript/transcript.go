// Package transcript models the dialogue history of a conversation and the
// transformations applied to it before every LLM call. Turns form a tagged
// union: user text, assistant text, assistant tool requests and tool results.
// The model-facing view and the storage-facing view are never the same
// object; see ForModel and ForStorage.
package transcript

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the turn union.
type Kind string

const (
	// KindUser is a message written by the patient.
	KindUser Kind = "user"

	// KindAssistant is a final text produced by the model.
	KindAssistant Kind = "assistant"

	// KindToolRequest is a structured tool invocation requested by the model.
	KindToolRequest Kind = "tool_request"

	// KindToolResult is the outcome of an executed tool request.
	KindToolResult Kind = "tool_result"
)

// Turn is one entry of the dialogue transcript.
type Turn struct {
	Kind Kind `json:"kind"`

	// Content holds the text for user/assistant turns and the result payload
	// for tool results.
	Content string `json:"content,omitempty"`

	// ToolName and ToolArgs are set for tool requests.
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`

	// CallID pairs a tool request with its result.
	CallID string `json:"call_id,omitempty"`

	// Internal marks synthetic context-priming turns. Internal turns are sent
	// to the model but never written to durable storage.
	Internal bool `json:"internal,omitempty"`

	Timestamp time.Time `json:"ts,omitempty"`
}

// User builds a patient text turn.
func User(text string) Turn {
	return Turn{Kind: KindUser, Content: text, Timestamp: time.Now()}
}

// Assistant builds a final assistant text turn.
func Assistant(text string) Turn {
	return Turn{Kind: KindAssistant, Content: text, Timestamp: time.Now()}
}

// ToolRequest builds an assistant tool-request turn.
func ToolRequest(callID, name string, args json.RawMessage) Turn {
	return Turn{Kind: KindToolRequest, CallID: callID, ToolName: name, ToolArgs: args, Timestamp: time.Now()}
}

// ToolResult builds a tool-result turn paired to callID.
func ToolResult(callID, content string) Turn {
	return Turn{Kind: KindToolResult, CallID: callID, Content: content, Timestamp: time.Now()}
}

// DefaultMaxTurns is the transcript cap applied before each model call.
const DefaultMaxTurns = 20

// RemoveOrphans drops tool-request turns that are not immediately followed by
// their matching tool-result, and tool-result turns not immediately preceded
// by their matching request. Orphans appear when a turn is interrupted
// mid-tool-call (process restart, handoff) and would make the transcript
// invalid for resubmission to the model. Idempotent.
func RemoveOrphans(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for i := 0; i < len(turns); i++ {
		t := turns[i]
		switch t.Kind {
		case KindToolRequest:
			if i+1 < len(turns) && turns[i+1].Kind == KindToolResult && turns[i+1].CallID == t.CallID {
				out = append(out, t, turns[i+1])
				i++ // consume the paired result
				continue
			}
			// Orphaned request: dropped.
		case KindToolResult:
			// A result reached here without its request directly before it.
			// Dropped.
		default:
			out = append(out, t)
		}
	}
	return out
}

// InjectContext prepends a synthetic priming pair identifying a known patient
// so the model does not re-ask for identity on every turn. Injected at most
// once per transcript lifetime: if an internal turn is already present the
// transcript is returned unchanged. No-op when name and patientID are empty.
func InjectContext(turns []Turn, name, patientID string) []Turn {
	if name == "" && patientID == "" {
		return turns
	}
	for _, t := range turns {
		if t.Internal {
			return turns
		}
	}

	pair := []Turn{
		{
			Kind:     KindUser,
			Content:  fmt.Sprintf("[contexto interno] Paciente identificado: %s, identificación %s.", name, patientID),
			Internal: true,
		},
		{
			Kind:     KindAssistant,
			Content:  "Entendido.",
			Internal: true,
		},
	}
	out := make([]Turn, 0, len(turns)+2)
	out = append(out, pair...)
	out = append(out, turns...)
	return out
}

// Truncate bounds the transcript to max turns, keeping the leading internal
// context pair (when present) plus the most recent turns. The cut never lands
// between a tool request and its result: if it would, the cut moves forward
// past the result's request so the pair stays intact.
func Truncate(turns []Turn, max int) []Turn {
	if max <= 0 || len(turns) <= max {
		return turns
	}

	// Identify the leading internal pair.
	lead := 0
	for lead < len(turns) && turns[lead].Internal {
		lead++
	}

	keep := max - lead
	if keep < 1 {
		keep = 1
	}
	rest := turns[lead:]
	if len(rest) <= keep {
		return turns
	}

	start := len(rest) - keep
	// Do not start on a tool result whose request was cut away.
	for start < len(rest) && rest[start].Kind == KindToolResult {
		start++
	}

	out := make([]Turn, 0, lead+len(rest)-start)
	out = append(out, turns[:lead]...)
	out = append(out, rest[start:]...)
	return out
}

// ForModel produces the model-facing projection: orphan repair, identity
// priming, then truncation. Pure; the input slice is not modified.
func ForModel(turns []Turn, name, patientID string, max int) []Turn {
	if max <= 0 {
		max = DefaultMaxTurns
	}
	out := RemoveOrphans(turns)
	out = InjectContext(out, name, patientID)
	return Truncate(out, max)
}

// summarizeThreshold is the payload size above which a tool result is
// replaced by a summary in the storage projection.
const summarizeThreshold = 400

// ForStorage produces the storage-facing projection: internal turns are
// removed entirely and oversized tool-result payloads are summarized so the
// durable log stays compact. The full-fidelity transcript used for model
// calls is never the object that gets persisted.
func ForStorage(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Internal {
			continue
		}
		if t.Kind == KindToolResult && len(t.Content) > summarizeThreshold {
			t.Content = summarizeToolResult(t.Content)
		}
		out = append(out, t)
	}
	return out
}

// summarizeToolResult reduces a bulky tool payload to a truncated prefix;
// the model sees the full result within the turn, storage only needs enough
// to reconstruct what happened.
func summarizeToolResult(content string) string {
	const keep = 200
	if len(content) <= keep {
		return content
	}
	return content[:keep] + "… [resumido]"
}
