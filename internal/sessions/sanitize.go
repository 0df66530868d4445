package sessions

import "github.com/openpista/openpista/pkg/models"

// oversizeKey is the content field name that marks base64 payloads too large
// to re-feed to a model provider. Tool implementations that emit large binary
// payloads (screen captures, file reads) set this key in ToolResult.Metadata
// or embed it as a JSON field named "data_b64" inside Content.
const oversizeKey = "data_b64"

// SanitizeHistory applies the mandatory history rewrite before a history is
// handed to a Model Provider. It never mutates the store-resident slice or
// the Message values it points to; it returns a new slice built from cloned
// messages where a rewrite rule applies.
//
// Three rules, applied in order:
//  1. Orphan strip: drop an assistant message whose only content is tool
//     calls with no matching tool-result successor anywhere later in the
//     window.
//  2. Provider-compatibility merge: collapse consecutive tool-result
//     messages for the same tool_call_id into the last one.
//  3. Base64-flood prevention: strip any oversize/data_b64 field from
//     tool-result content before it is handed to the provider; the full
//     result remains untouched in the store.
//
// Applying SanitizeHistory twice produces the same result as applying it
// once (idempotence is a property tested directly against this function).
func SanitizeHistory(history []*models.Message) []*models.Message {
	stripped := stripOrphanToolCalls(history)
	merged := collapseConsecutiveToolResults(stripped)
	return redactOversizeFields(merged)
}

// stripOrphanToolCalls implements rule 1. An assistant message is dropped
// entirely when it carries tool_calls and no Content, and at least one of
// its tool_call IDs never finds a matching role=tool result later in the
// window. (A partially-answered assistant message — some calls answered,
// some not — is still orphaned: the turn never reached completion, so the
// whole assistant turn is unsafe to replay to a provider.)
func stripOrphanToolCalls(history []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(history))
	for i, msg := range history {
		if msg == nil {
			continue
		}
		if msg.Role == models.RoleAssistant && msg.Content == "" && len(msg.ToolCalls) > 0 {
			if !allToolCallsAnswered(msg.ToolCalls, history[i+1:]) {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

func allToolCallsAnswered(calls []models.ToolCall, rest []*models.Message) bool {
	pending := make(map[string]struct{}, len(calls))
	for _, c := range calls {
		if c.ID != "" {
			pending[c.ID] = struct{}{}
		}
	}
	if len(pending) == 0 {
		return true
	}
	for _, msg := range rest {
		if msg == nil || msg.Role != models.RoleTool {
			continue
		}
		for _, res := range msg.ToolResults {
			delete(pending, res.ToolCallID)
		}
		if len(pending) == 0 {
			return true
		}
	}
	return false
}

// collapseConsecutiveToolResults implements rule 2: when two or more
// adjacent role=tool messages carry a result for the same tool_call_id,
// only the last one survives.
func collapseConsecutiveToolResults(history []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(history))
	for i := 0; i < len(history); i++ {
		msg := history[i]
		if msg == nil {
			continue
		}
		if msg.Role != models.RoleTool || len(msg.ToolResults) == 0 {
			out = append(out, msg)
			continue
		}
		// Look ahead: if the next tool message repeats any of this
		// message's tool_call_ids, this one is superseded.
		ids := toolCallIDSet(msg)
		superseded := false
		for j := i + 1; j < len(history); j++ {
			next := history[j]
			if next == nil {
				continue
			}
			if next.Role != models.RoleTool {
				break
			}
			if setsIntersect(ids, toolCallIDSet(next)) {
				superseded = true
				break
			}
		}
		if superseded {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func toolCallIDSet(msg *models.Message) map[string]struct{} {
	s := make(map[string]struct{}, len(msg.ToolResults))
	for _, r := range msg.ToolResults {
		if r.ToolCallID != "" {
			s[r.ToolCallID] = struct{}{}
		}
	}
	return s
}

func setsIntersect(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// redactOversizeFields implements rule 3. It returns messages with any
// tool-result's oversize/data_b64 metadata field removed; when nothing
// needs redacting the original message pointer is reused, so repeated
// application is a no-op (idempotence).
func redactOversizeFields(history []*models.Message) []*models.Message {
	out := make([]*models.Message, len(history))
	for i, msg := range history {
		out[i] = redactMessage(msg)
	}
	return out
}

func redactMessage(msg *models.Message) *models.Message {
	if msg == nil || msg.Role != models.RoleTool || len(msg.ToolResults) == 0 {
		return msg
	}
	needsCopy := false
	for _, r := range msg.ToolResults {
		if _, ok := r.Metadata[oversizeKey]; ok {
			needsCopy = true
			break
		}
	}
	if !needsCopy {
		return msg
	}
	copied := *msg
	results := make([]models.ToolResult, len(msg.ToolResults))
	for i, r := range msg.ToolResults {
		results[i] = r
		if _, ok := r.Metadata[oversizeKey]; ok {
			meta := make(map[string]any, len(r.Metadata))
			for k, v := range r.Metadata {
				if k == oversizeKey {
					continue
				}
				meta[k] = v
			}
			results[i].Metadata = meta
			results[i].Content = redactedMarker
		}
	}
	copied.ToolResults = results
	return &copied
}

const redactedMarker = "[oversize content redacted]"
