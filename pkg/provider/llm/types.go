package llm

// Message is a single entry in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name. Questline sets it to the speaking
	// character's display name so multi-speaker chat excerpts stay readable
	// to the model.
	Name string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message typically
	// drives the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. The arbiter pins
	// it to 0 for reproducible judgments.
	Temperature float64

	// TemperatureSet distinguishes an explicit 0 from an unset temperature.
	// When false, providers use their backend default.
	TemperatureSet bool

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string
}

// Chunk is a fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or "error"
	// when the stream failed mid-flight (Text then carries the message).
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes static properties of a model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the most tokens one completion may generate.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool

	// SupportsVision indicates the model accepts image inputs. Questline
	// never sends images; the flag is surfaced for operator diagnostics.
	SupportsVision bool
}
