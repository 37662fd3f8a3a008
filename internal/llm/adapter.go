package llm

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// Adapter converts between tools and a provider's function-calling JSON.
// OpenAI and Mistral share the choices[0].message layout with string
// encoded arguments; Ollama puts the message at the root, passes
// arguments as an object and assigns no call ids.
type Adapter struct {
	provider Provider
	logger   *slog.Logger
	newID    func() string
}

// NewAdapter returns the adapter for p. A nil logger means slog.Default().
func NewAdapter(p Provider, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		provider: p,
		logger:   logger.With("provider", string(p)),
		newID:    uuid.NewString,
	}
}

// Provider returns the provider this adapter serves.
func (a *Adapter) Provider() Provider {
	return a.provider
}

// FormatTools wraps each tool as {type:"function", function:{name,
// description, parameters}}. The shape is the same for every provider.
func (a *Adapter) FormatTools(specs []ToolSpec) []map[string]any {
	out := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		params := s.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// message returns the assistant message object of a response.
func (a *Adapter) message(resp map[string]any) map[string]any {
	if a.provider == ProviderOllama {
		m, _ := resp["message"].(map[string]any)
		return m
	}
	choice := firstChoice(resp)
	m, _ := choice["message"].(map[string]any)
	return m
}

func firstChoice(resp map[string]any) map[string]any {
	choices, _ := resp["choices"].([]any)
	if len(choices) == 0 {
		return nil
	}
	c, _ := choices[0].(map[string]any)
	return c
}

func rawToolCalls(msg map[string]any) []any {
	calls, _ := msg["tool_calls"].([]any)
	return calls
}

// ParseToolCalls extracts the tool calls from a response. Arguments that
// fail to parse become an empty object.
func (a *Adapter) ParseToolCalls(resp map[string]any) []FunctionCall {
	raw := rawToolCalls(a.message(resp))
	if len(raw) == 0 {
		return nil
	}

	calls := make([]FunctionCall, 0, len(raw))
	for _, item := range raw {
		tc, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fn, _ := tc["function"].(map[string]any)
		name, _ := fn["name"].(string)

		call := FunctionCall{
			Name:      name,
			Arguments: a.parseArguments(name, fn["arguments"]),
		}
		switch a.provider {
		case ProviderOllama:
			call.ID = "ollama_" + a.newID()
		default:
			call.ID, _ = tc["id"].(string)
			if call.ID == "" {
				call.ID = "call_" + a.newID()
			}
		}
		calls = append(calls, call)
	}
	return calls
}

// parseArguments accepts arguments as an object or as a JSON string.
func (a *Adapter) parseArguments(tool string, v any) map[string]any {
	switch args := v.(type) {
	case map[string]any:
		return args
	case string:
		if args == "" {
			return map[string]any{}
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(args), &out); err != nil || out == nil {
			a.logger.Warn("unparseable tool call arguments, using empty object",
				"tool", tool,
				"arguments", args,
				"error", err,
			)
			return map[string]any{}
		}
		return out
	case nil:
		return map[string]any{}
	default:
		a.logger.Warn("unexpected tool call arguments type, using empty object",
			"tool", tool,
		)
		return map[string]any{}
	}
}

// FormatToolResult builds the tool message carrying a call's result. The
// content is the JSON encoding of the result, or of {"error": msg} on
// failure.
func (a *Adapter) FormatToolResult(r FunctionCallResult) map[string]any {
	var payload any = r.Result
	if !r.Success {
		payload = map[string]any{"error": r.Error}
	}
	content, err := json.Marshal(payload)
	if err != nil {
		a.logger.Warn("tool result is not JSON-encodable", "tool", r.Name, "error", err)
		content, _ = json.Marshal(map[string]any{"error": "result could not be encoded: " + err.Error()})
	}

	if a.provider == ProviderOllama {
		return map[string]any{
			"role":    "tool",
			"content": string(content),
		}
	}
	return map[string]any{
		"role":         "tool",
		"tool_call_id": r.ID,
		"name":         r.Name,
		"content":      string(content),
	}
}

// ToolChoice returns the provider's tool_choice value for mode. A nil
// return means the provider has no equivalent and the field should be
// omitted.
func (a *Adapter) ToolChoice(mode ToolChoice) any {
	switch mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		switch a.provider {
		case ProviderMistral:
			return "any"
		case ProviderOllama:
			return nil
		default:
			return "required"
		}
	default:
		return "auto"
	}
}

// ExtractContent returns the assistant's text, or "" if there is none.
func (a *Adapter) ExtractContent(resp map[string]any) string {
	s, _ := a.message(resp)["content"].(string)
	return s
}

// HasToolCalls reports whether the response requests any tool calls.
func (a *Adapter) HasToolCalls(resp map[string]any) bool {
	return len(rawToolCalls(a.message(resp))) > 0
}

// IsFinished reports whether the model is done. OpenAI and Mistral use
// finish_reason, falling back to the absence of tool calls; Ollama uses
// the done flag but is never finished while tool calls are pending.
func (a *Adapter) IsFinished(resp map[string]any) bool {
	if a.provider == ProviderOllama {
		if a.HasToolCalls(resp) {
			return false
		}
		done, _ := resp["done"].(bool)
		return done
	}

	reason, _ := firstChoice(resp)["finish_reason"].(string)
	switch reason {
	case "tool_calls":
		return false
	case "stop", "end_turn", "length":
		return true
	default:
		return !a.HasToolCalls(resp)
	}
}

// BuildAssistantMessage returns the assistant message to append to the
// conversation before the tool results.
func (a *Adapter) BuildAssistantMessage(resp map[string]any) map[string]any {
	msg := a.message(resp)
	out := map[string]any{
		"role":    "assistant",
		"content": a.ExtractContent(resp),
	}
	if calls := rawToolCalls(msg); len(calls) > 0 {
		out["tool_calls"] = calls
	}
	return out
}

// ExtractUsage returns the token counts of a response, zero when absent.
func (a *Adapter) ExtractUsage(resp map[string]any) Usage {
	if a.provider == ProviderOllama {
		return Usage{
			InputTokens:  toInt(resp["prompt_eval_count"]),
			OutputTokens: toInt(resp["eval_count"]),
		}
	}
	usage, _ := resp["usage"].(map[string]any)
	return Usage{
		InputTokens:  toInt(usage["prompt_tokens"]),
		OutputTokens: toInt(usage["completion_tokens"]),
	}
}

// toInt converts a decoded JSON number to int.
func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
