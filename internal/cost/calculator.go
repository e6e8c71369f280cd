package cost

// Rates holds per-model pricing keyed by model identifier.
type Rates struct {
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
}

// ModelRate holds token pricing (USD per million tokens) plus a flat
// per-query fee for search-style APIs.
type ModelRate struct {
	Input    float64 `yaml:"input" mapstructure:"input"`
	Output   float64 `yaml:"output" mapstructure:"output"`
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Usage is the billable usage reported by one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Queries      int `json:"queries"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Queries += other.Queries
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates. Missing models
// from DefaultRates are filled in.
func NewCalculator(rates Rates) *Calculator {
	merged := Rates{Models: make(map[string]ModelRate)}
	for k, v := range DefaultRates().Models {
		merged.Models[k] = v
	}
	for k, v := range rates.Models {
		merged.Models[k] = v
	}
	return &Calculator{rates: merged}
}

// Actual computes the cost of a completed call. Unknown models cost zero.
func (c *Calculator) Actual(model string, u Usage) USD {
	rate, ok := c.rates.Models[model]
	if !ok {
		return 0
	}
	in := (float64(u.InputTokens) / 1e6) * rate.Input
	out := (float64(u.OutputTokens) / 1e6) * rate.Output
	q := float64(u.Queries) * rate.PerQuery
	return FromFloat(in + out + q)
}

// Estimate prices a call before it runs, assuming the full output budget
// is consumed.
func (c *Calculator) Estimate(model string, inputTokens, maxOutputTokens, queries int) USD {
	return c.Actual(model, Usage{
		InputTokens:  inputTokens,
		OutputTokens: maxOutputTokens,
		Queries:      queries,
	})
}

// EstimateTokens approximates the token count of text (4 chars per token).
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
			"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
			"gpt-4o":                     {Input: 2.50, Output: 10.00},
			"sonar-pro":                  {Input: 3.00, Output: 15.00, PerQuery: 0.005},
			"sonar":                      {Input: 1.00, Output: 1.00, PerQuery: 0.005},
			"jina-search":                {Input: 0.02},
		},
	}
}
