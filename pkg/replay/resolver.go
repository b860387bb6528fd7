// Package replay finds a recorded response for a live request.
package replay

import (
	"github.com/getmockd/replayd/internal/matching"
	"github.com/getmockd/replayd/pkg/fingerprint"
	"github.com/getmockd/replayd/pkg/recording"
)

// Source is the read side of a match store.
type Source interface {
	Lookup(key string) ([]recording.Exchange, bool)
	AllExchanges() []recording.Exchange
}

// Tier reports how a response was found.
type Tier string

// Resolution tiers, strongest first.
const (
	TierFull        Tier = "full"
	TierSansHeaders Tier = "sansHeaders"
	TierMinimal     Tier = "minimal"
	TierFallback    Tier = "fallback"
	TierNone        Tier = "none"
)

var keyTiers = [3]Tier{
	fingerprint.TierFull:        TierFull,
	fingerprint.TierSansHeaders: TierSansHeaders,
	fingerprint.TierMinimal:     TierMinimal,
}

// Result is the outcome of a resolution.
type Result struct {
	// Response is nil on a miss.
	Response *recording.Response
	// Tier is the key tier that decided the result, TierFallback for the
	// global scan, or TierNone when nothing was recorded at all.
	Tier Tier
	// Candidates is the size of the list the response was picked from.
	Candidates int
}

// Found reports whether a response was resolved.
func (r Result) Found() bool {
	return r.Response != nil
}

// Resolver composes fingerprint lookup with best-match selection.
type Resolver struct {
	source Source
}

// NewResolver creates a Resolver reading from source.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve probes keys from most to least specific. The first key present in
// the source decides the outcome, even when its list is empty. When no key is
// present, every recorded exchange is searched.
func (r *Resolver) Resolve(keys fingerprint.Keys, live recording.Request) Result {
	for i, key := range keys {
		list, ok := r.source.Lookup(key)
		if !ok {
			continue
		}
		tier := keyTiers[i]
		switch len(list) {
		case 0:
			return Result{Tier: tier}
		case 1:
			res := list[0].Response
			return Result{Response: &res, Tier: tier, Candidates: 1}
		default:
			res, _ := matching.SelectBest(list, live)
			return Result{Response: res, Tier: tier, Candidates: len(list)}
		}
	}

	pool := r.source.AllExchanges()
	res, ok := matching.SelectBest(pool, live)
	if !ok {
		return Result{Tier: TierNone}
	}
	return Result{Response: res, Tier: TierFallback, Candidates: len(pool)}
}

// Explain returns the candidate list that Resolve would pick from, with every
// candidate's distance, for diagnostics.
func (r *Resolver) Explain(keys fingerprint.Keys, live recording.Request) (Tier, []recording.Exchange, []matching.Candidate) {
	for i, key := range keys {
		if list, ok := r.source.Lookup(key); ok {
			return keyTiers[i], list, matching.Rank(list, live)
		}
	}
	pool := r.source.AllExchanges()
	if len(pool) == 0 {
		return TierNone, nil, nil
	}
	return TierFallback, pool, matching.Rank(pool, live)
}
