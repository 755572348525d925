// Package selector implements the Candidate Selector of spec section 4.5:
// it turns the Node Registry's raw snapshot plus the set of currently
// connected relay workers into a deduplicated, weighted-random ordering of
// candidates the Retry Coordinator draws from.
package selector

import (
	"math/rand"
	"strings"
	"time"

	"github.com/arcrelay/inferd/internal/models"
)

// Source records where a candidate came from, for priority ordering when
// the same worker is reachable through more than one channel.
type Source int

const (
	SourceOther Source = iota
	SourceTopology
	SourceRelay
)

// Candidate is one dispatchable endpoint: either an HTTP node (URL set) or
// a relay-connected worker (WalletAddress set, reachable only through the
// Worker Relay), never both unset.
type Candidate struct {
	URL           string
	WalletAddress string
	NodeType      models.NodeType
	CapacityScore float64
	InFlight      int64
	Source        Source
}

func (c Candidate) key() string {
	if c.WalletAddress != "" {
		return "addr:" + strings.ToLower(c.WalletAddress)
	}
	return "url:" + c.URL
}

func (c Candidate) weight() float64 {
	w := c.CapacityScore / float64(1+c.InFlight)
	if w < 0.1 {
		return 0.1
	}
	return w
}

// Selector builds ranked candidate pools from a registry snapshot and the
// set of relay-connected addresses.
type Selector struct {
	rng *rand.Rand
}

// New builds a Selector. rng may be nil to use the package-level source.
func New(rng *rand.Rand) *Selector {
	return &Selector{rng: rng}
}

func (s *Selector) float64() float64 {
	if s.rng != nil {
		return s.rng.Float64()
	}
	return rand.Float64()
}

// BuildPool deduplicates nodes and relay-connected workers by URL union
// lowercased wallet address, preferring relay > topology > other when the
// same worker appears through more than one channel, then returns the pool
// shuffled in weighted-random draw order (spec section 4.5: "weight favors
// high capacity and low in-flight load, but every selectable candidate has
// a nonzero chance of being drawn").
func (s *Selector) BuildPool(nodes []*models.Node, connectedRelayAddresses map[string]bool, now time.Time) []Candidate {
	byKey := make(map[string]Candidate)

	for _, n := range nodes {
		if !n.Selectable(now) {
			continue
		}
		if n.Type == models.NodeTypePipeline && !n.IsEntryPoint {
			// Non-entry pipeline stages are only dispatched to internally by
			// the pipeline itself, never chosen directly by the selector.
			continue
		}
		src := SourceOther
		if n.FromTopology {
			src = SourceTopology
		}
		c := Candidate{
			URL:           n.URL,
			WalletAddress: n.WalletAddress,
			NodeType:      n.Type,
			CapacityScore: n.CapacityScore,
			InFlight:      n.InFlight,
			Source:        src,
		}
		mergeCandidate(byKey, c)
	}

	for addr := range connectedRelayAddresses {
		c := Candidate{
			WalletAddress: addr,
			NodeType:      models.NodeTypeOpenAI,
			CapacityScore: 1.0,
			Source:        SourceRelay,
		}
		mergeCandidate(byKey, c)
	}

	pool := make([]Candidate, 0, len(byKey))
	for _, c := range byKey {
		pool = append(pool, c)
	}
	return s.weightedShuffle(pool)
}

// mergeCandidate keeps the highest-priority source (relay > topology >
// other) when two entries collapse to the same dedup key, but carries
// forward the richer node data (capacity/in-flight) from whichever entry
// has it, since the relay-only synthetic entry has none of its own.
func mergeCandidate(byKey map[string]Candidate, c Candidate) {
	existing, ok := byKey[c.key()]
	if !ok {
		byKey[c.key()] = c
		return
	}
	if c.Source > existing.Source {
		if existing.CapacityScore > c.CapacityScore {
			c.CapacityScore = existing.CapacityScore
			c.InFlight = existing.InFlight
		}
		byKey[c.key()] = c
	}
}

// Exclude filters a pool down to candidates whose dedup key is not present
// in excluded, used by the Retry Coordinator to avoid re-drawing a
// candidate that already failed this call.
func Exclude(pool []Candidate, excluded map[string]bool) []Candidate {
	out := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if excluded[c.key()] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Key exposes the dedup key so callers can populate an excluded set.
func Key(c Candidate) string { return c.key() }

// weightedShuffle returns a fresh slice ordered by repeated weighted draws
// without replacement (the classic "weighted reservoir" ordering), so the
// Retry Coordinator can simply walk the result in order.
func (s *Selector) weightedShuffle(pool []Candidate) []Candidate {
	remaining := make([]Candidate, len(pool))
	copy(remaining, pool)
	ordered := make([]Candidate, 0, len(pool))

	for len(remaining) > 0 {
		total := 0.0
		for _, c := range remaining {
			total += c.weight()
		}
		if total <= 0 {
			ordered = append(ordered, remaining...)
			break
		}
		pick := s.float64() * total
		idx := 0
		for i, c := range remaining {
			pick -= c.weight()
			if pick <= 0 {
				idx = i
				break
			}
			idx = i
		}
		ordered = append(ordered, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return ordered
}
