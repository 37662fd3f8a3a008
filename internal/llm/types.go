// Package llm translates MCP tools and tool results to and from the
// function-calling JSON of LLM providers. Provider responses are handled
// as decoded JSON (map[string]any); no provider API is called here.
package llm

import (
	"fmt"
	"strings"
)

// Provider identifies an LLM provider family. The set is closed.
type Provider string

const (
	// ProviderOpenAI covers OpenAI and API-compatible providers.
	ProviderOpenAI  Provider = "openai"
	ProviderMistral Provider = "mistral"
	ProviderOllama  Provider = "ollama"
)

// ParseProvider converts a case-insensitive name to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderOpenAI, ProviderMistral, ProviderOllama:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider %q (valid: openai, mistral, ollama)", s)
	}
}

// ToolChoice is the provider-neutral tool selection mode.
type ToolChoice int

const (
	// ToolChoiceAuto lets the model decide whether to call a tool.
	ToolChoiceAuto ToolChoice = iota
	// ToolChoiceNone forbids tool calls.
	ToolChoiceNone
	// ToolChoiceRequired forces at least one tool call.
	ToolChoiceRequired
)

// String returns the mode name.
func (c ToolChoice) String() string {
	switch c {
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	default:
		return fmt.Sprintf("ToolChoice(%d)", int(c))
	}
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	// ID correlates the call with its result. Providers that do not
	// assign ids get a locally generated one.
	ID        string
	Name      string
	Arguments map[string]any
}

// FunctionCallResult is the outcome of executing a FunctionCall.
type FunctionCallResult struct {
	ID      string
	Name    string
	Success bool
	// Result is encoded as JSON into the tool message on success.
	Result any
	// Error is reported to the model on failure.
	Error string
}

// Usage is the token accounting of one response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
