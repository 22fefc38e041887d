package valueobject

// ModelConfig is an immutable value object describing which model to
// call and with what sampling parameters.
type ModelConfig struct {
	provider    string
	model       string
	maxTokens   int
	temperature float64
	topP        float64
	stream      bool
}

// NewModelConfig builds a ModelConfig.
func NewModelConfig(provider, model string, maxTokens int, temperature, topP float64, stream bool) ModelConfig {
	return ModelConfig{
		provider:    provider,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
		stream:      stream,
	}
}

// DefaultModelConfig returns the baseline configuration new sessions
// start with absent an explicit override.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		provider:    "openai",
		model:       "gpt-5",
		maxTokens:   8192,
		temperature: 0.7,
		topP:        0.95,
		stream:      true,
	}
}

func (mc ModelConfig) Provider() string {
	return mc.provider
}

func (mc ModelConfig) Model() string {
	return mc.model
}

func (mc ModelConfig) MaxTokens() int {
	return mc.maxTokens
}

func (mc ModelConfig) Temperature() float64 {
	return mc.temperature
}

func (mc ModelConfig) TopP() float64 {
	return mc.topP
}

// FullModelName returns the "provider/model" identifier used in logs
// and event payloads.
func (mc ModelConfig) FullModelName() string {
	return mc.provider + "/" + mc.model
}

func (mc ModelConfig) Stream() bool {
	return mc.stream
}

// WithTemperature returns a copy with temperature replaced.
func (mc ModelConfig) WithTemperature(temp float64) ModelConfig {
	return ModelConfig{
		provider:    mc.provider,
		model:       mc.model,
		maxTokens:   mc.maxTokens,
		temperature: temp,
		topP:        mc.topP,
		stream:      mc.stream,
	}
}

// WithMaxTokens returns a copy with maxTokens replaced.
func (mc ModelConfig) WithMaxTokens(tokens int) ModelConfig {
	return ModelConfig{
		provider:    mc.provider,
		model:       mc.model,
		maxTokens:   tokens,
		temperature: mc.temperature,
		topP:        mc.topP,
		stream:      mc.stream,
	}
}

// Equals reports whether two configs carry the same field values.
func (mc ModelConfig) Equals(other ModelConfig) bool {
	return mc.provider == other.provider &&
		mc.model == other.model &&
		mc.maxTokens == other.maxTokens &&
		mc.temperature == other.temperature &&
		mc.topP == other.topP &&
		mc.stream == other.stream
}
