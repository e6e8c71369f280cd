// Package classify scores a request's complexity and turns it into an
// ordered provider chain.
package classify

import (
	"slices"
	"strings"

	"github.com/sells-group/trip-planner/internal/provider"
)

// Score bands separating capability classes.
const (
	FastCeiling     = 0.34
	BalancedCeiling = 0.67
)

// Signal weights. They sum to 1 so the score stays in [0,1].
const (
	sizeWeight  = 0.35
	depthWeight = 0.40
	cueWeight   = 0.25

	// Payload size, in characters, at which the size signal saturates.
	sizeSaturation = 12000
	// Distinct reasoning cues at which the cue signal saturates.
	cueSaturation = 4
)

// reasoningCues are phrases that suggest multi-step reasoning.
var reasoningCues = []string{
	"step by step",
	"itinerary",
	"schedule",
	"optimize",
	"compare",
	"trade-off",
	"tradeoff",
	"prioritize",
	"constraint",
	"sequence",
	"multi-day",
	"day by day",
	"route",
	"budget",
	"reconcile",
	"merge",
}

// Decision is the classifier's output for one request.
type Decision struct {
	Score     float64
	Preferred provider.Class
	Chain     []provider.Provider
	// Fallback is set when policy filtered out every candidate and the full
	// registry was returned instead.
	Fallback bool
}

// Names returns the chain's provider identifiers.
func (d Decision) Names() []string {
	out := make([]string, len(d.Chain))
	for i, p := range d.Chain {
		out[i] = p.Name()
	}
	return out
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithExclude removes the named providers from every chain.
func WithExclude(names ...string) Option {
	return func(c *Classifier) {
		for _, n := range names {
			c.exclude[n] = true
		}
	}
}

// Classifier maps requests onto the registry. It holds no mutable state
// and is safe for concurrent use.
type Classifier struct {
	reg     *provider.Registry
	exclude map[string]bool
}

// New creates a Classifier over reg.
func New(reg *provider.Registry, opts ...Option) *Classifier {
	c := &Classifier{reg: reg, exclude: make(map[string]bool)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Score rates req's complexity in [0,1]. Identical requests always score
// identically.
func Score(req provider.Request) float64 {
	size := float64(len(req.Prompt)+len(req.Task)) / sizeSaturation
	size = min(size, 1)

	depth := 0.0
	if req.Depth > 1 {
		depth = float64(min(req.Depth, 5)-1) / 4
	}

	cues := float64(countCues(req.Task+" "+req.Prompt)) / cueSaturation
	cues = min(cues, 1)

	return sizeWeight*size + depthWeight*depth + cueWeight*cues
}

func countCues(text string) int {
	text = strings.ToLower(text)
	n := 0
	for _, cue := range reasoningCues {
		if strings.Contains(text, cue) {
			n++
		}
	}
	return n
}

// Band maps a score onto a capability class.
func Band(score float64) provider.Class {
	switch {
	case score < FastCeiling:
		return provider.ClassFast
	case score < BalancedCeiling:
		return provider.ClassBalanced
	default:
		return provider.ClassDeep
	}
}

// Classify returns the ordered candidate chain for req. Providers of req's
// kind come first by distance from the preferred class, then registry
// priority. The chain is never empty while the registry is not.
func (c *Classifier) Classify(req provider.Request) Decision {
	kind := req.Kind
	if kind == "" {
		kind = provider.KindGeneration
	}
	d := Decision{Score: Score(req)}
	d.Preferred = req.Class
	if d.Preferred.Rank() < 0 {
		d.Preferred = Band(d.Score)
	}

	all := c.reg.Default()
	var chain []provider.Provider
	for _, p := range all {
		if p.Kind() == kind && !c.exclude[p.Name()] {
			chain = append(chain, p)
		}
	}
	if len(chain) == 0 {
		d.Chain = all
		d.Fallback = true
		return d
	}

	want := d.Preferred.Rank()
	// Stable sort keeps registry order within a distance. On equal distance
	// the more capable class goes first.
	slices.SortStableFunc(chain, func(a, b provider.Provider) int {
		da, db := distance(a.Class().Rank(), want), distance(b.Class().Rank(), want)
		if da != db {
			return da - db
		}
		return b.Class().Rank() - a.Class().Rank()
	})
	d.Chain = chain
	return d
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
