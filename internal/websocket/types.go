package websocket

// clientFrame is the inbound socket message envelope. Only `type` is
// mandatory; the remaining fields belong to `begin` and `stop`.
type clientFrame struct {
	Type     string         `json:"type"`
	RID      string         `json:"rid"`
	APIKey   string         `json:"apiKey"`
	Provider string         `json:"provider"`
	After    *int64         `json:"after"`
	ORBody   map[string]any `json:"or_body"`

	// Envelope fields used to synthesize the body when or_body is absent.
	Model          string `json:"model"`
	Messages       []any  `json:"messages"`
	Temperature    any    `json:"temperature"`
	TopP           any    `json:"top_p"`
	MaxTokens      any    `json:"max_tokens"`
	Reasoning      any    `json:"reasoning"`
	Verbosity      any    `json:"verbosity"`
	ResponseFormat any    `json:"response_format"`
}

// body returns or_body when supplied, else a normalized body synthesized
// from the envelope scalars.
func (f *clientFrame) body() map[string]any {
	if f.ORBody != nil {
		return f.ORBody
	}
	body := map[string]any{
		"stream": true,
	}
	if f.Model != "" {
		body["model"] = f.Model
	}
	if f.Messages != nil {
		body["messages"] = f.Messages
	}
	setIfNotNil(body, "temperature", f.Temperature)
	setIfNotNil(body, "top_p", f.TopP)
	setIfNotNil(body, "max_tokens", f.MaxTokens)
	setIfNotNil(body, "reasoning", f.Reasoning)
	setIfNotNil(body, "verbosity", f.Verbosity)
	setIfNotNil(body, "response_format", f.ResponseFormat)
	return body
}

// after returns the replay cursor, defaulting to -1 (everything).
func (f *clientFrame) after() int64 {
	if f.After == nil {
		return -1
	}
	return *f.After
}

func setIfNotNil(body map[string]any, key string, v any) {
	if v != nil {
		body[key] = v
	}
}
