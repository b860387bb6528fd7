package matching

import (
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/getmockd/replayd/internal/canonical"
	"github.com/getmockd/replayd/pkg/recording"
)

// Candidate is a scored position in a candidate list.
type Candidate struct {
	Index    int `json:"index"`
	Distance int `json:"distance"`
}

// SelectBest returns the response of the candidate whose request is nearest
// to live. It returns false for an empty candidate list.
func SelectBest(candidates []recording.Exchange, live recording.Request) (*recording.Response, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	target := encode(live)

	best, bestDist := 0, -1
	for i := range candidates {
		d := levenshtein.ComputeDistance(target, encode(candidates[i].Request))
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}

	res := candidates[best].Response
	return &res, true
}

// Rank scores every candidate against live, nearest first. Equal distances
// keep their original order.
func Rank(candidates []recording.Exchange, live recording.Request) []Candidate {
	target := encode(live)
	out := make([]Candidate, len(candidates))
	for i := range candidates {
		out[i] = Candidate{
			Index:    i,
			Distance: levenshtein.ComputeDistance(target, encode(candidates[i].Request)),
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Distance < out[b].Distance
	})
	return out
}

// encode falls back to an empty string when a request cannot be encoded; such
// a request is simply far from everything.
func encode(req recording.Request) string {
	s, err := canonical.MarshalString(req)
	if err != nil {
		return ""
	}
	return s
}
