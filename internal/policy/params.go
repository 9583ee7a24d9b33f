// Package policy decides what a provider receives: the support tier of every sampling
// parameter and how unsupported capabilities are downgraded.
package policy

import (
	"fmt"
	"slices"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// ParamTable maps sampling parameter names to their tier for one provider.
// Parameters missing from the table are forwarded.
type ParamTable map[string]canonical.Tier

// Provider kinds with built-in parameter defaults.
const (
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
)

// DefaultParams returns the parameter table for a provider kind.
func DefaultParams(kind string) ParamTable {
	switch kind {
	case KindAnthropic:
		return ParamTable{
			canonical.ParamTemperature:      canonical.TierFull,
			canonical.ParamTopP:             canonical.TierFull,
			canonical.ParamTopK:             canonical.TierFull,
			canonical.ParamStop:             canonical.TierFull,
			canonical.ParamFrequencyPenalty: canonical.TierIgnored,
			canonical.ParamPresencePenalty:  canonical.TierIgnored,
			canonical.ParamSeed:             canonical.TierIgnored,
		}
	case KindOpenAI:
		return ParamTable{
			canonical.ParamTemperature:      canonical.TierFull,
			canonical.ParamTopP:             canonical.TierFull,
			canonical.ParamTopK:             canonical.TierIgnored,
			canonical.ParamStop:             canonical.TierFull,
			canonical.ParamFrequencyPenalty: canonical.TierFull,
			canonical.ParamPresencePenalty:  canonical.TierFull,
			canonical.ParamSeed:             canonical.TierFull,
		}
	}
	return ParamTable{}
}

// WithOverrides returns a copy of t with configured tiers applied. Unknown parameter names or
// tiers are configuration errors.
func (t ParamTable) WithOverrides(overrides map[string]string) (ParamTable, error) {
	out := make(ParamTable, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for name, tier := range overrides {
		if !slices.Contains(canonical.ParamNames, name) {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
		switch canonical.Tier(tier) {
		case canonical.TierFull, canonical.TierIgnored, canonical.TierRejected:
			out[name] = canonical.Tier(tier)
		default:
			return nil, fmt.Errorf("parameter %q: invalid tier %q", name, tier)
		}
	}
	return out, nil
}

// Resolution records the outcome of tier resolution.
type Resolution struct {
	// Ignored lists the parameters the client set that will not reach the provider.
	Ignored []string
}

// Resolve tags every parameter the client set with its tier. A rejected parameter fails the
// request with *apierror.UnsupportedParameterError.
func Resolve(req canonical.Request, provider string, table ParamTable) (canonical.Request, Resolution, error) {
	var res Resolution
	out := req
	for _, name := range canonical.ParamNames {
		if !req.Sampling.IsSet(name) {
			continue
		}
		tier, ok := table[name]
		if !ok {
			tier = canonical.TierFull
		}
		switch tier {
		case canonical.TierRejected:
			return canonical.Request{}, Resolution{}, &apierror.UnsupportedParameterError{Param: name, Provider: provider}
		case canonical.TierIgnored:
			res.Ignored = append(res.Ignored, name)
		}
		out = out.WithTier(name, tier)
	}
	return out, res, nil
}
