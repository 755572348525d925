package selector

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcrelay/inferd/internal/models"
)

func TestMergeCandidatePrefersRelayOverTopologyOverOther(t *testing.T) {
	byKey := map[string]Candidate{}

	other := Candidate{WalletAddress: "0xAAA", Source: SourceOther, CapacityScore: 1}
	topology := Candidate{WalletAddress: "0xAAA", Source: SourceTopology, CapacityScore: 2}
	relay := Candidate{WalletAddress: "0xAAA", Source: SourceRelay, CapacityScore: 3}

	mergeCandidate(byKey, other)
	require.Equal(t, SourceOther, byKey["addr:0xaaa"].Source)

	mergeCandidate(byKey, topology)
	require.Equal(t, SourceTopology, byKey["addr:0xaaa"].Source)

	mergeCandidate(byKey, relay)
	require.Equal(t, SourceRelay, byKey["addr:0xaaa"].Source)

	// A lower-priority source arriving after must not demote the winner.
	mergeCandidate(byKey, other)
	require.Equal(t, SourceRelay, byKey["addr:0xaaa"].Source)
}

func TestMergeCandidateCarriesForwardRicherCapacityData(t *testing.T) {
	byKey := map[string]Candidate{}

	withData := Candidate{WalletAddress: "0xBBB", Source: SourceTopology, CapacityScore: 5, InFlight: 2}
	mergeCandidate(byKey, withData)

	// The relay-only synthetic entry has no capacity data of its own;
	// the merge should keep the richer topology-sourced numbers.
	relayOnly := Candidate{WalletAddress: "0xBBB", Source: SourceRelay, CapacityScore: 1}
	mergeCandidate(byKey, relayOnly)

	merged := byKey["addr:0xbbb"]
	require.Equal(t, SourceRelay, merged.Source)
	require.Equal(t, 5.0, merged.CapacityScore)
	require.Equal(t, int64(2), merged.InFlight)
}

func TestBuildPoolDedupesByURLAndWalletAddress(t *testing.T) {
	s := New(rand.New(rand.NewSource(1)))
	now := time.Now()

	nodes := []*models.Node{
		{URL: "http://a.example.com", Status: models.NodeStatusOnline, CapacityScore: 1},
		{WalletAddress: "0xCCC", Status: models.NodeStatusOnline, CapacityScore: 1, FromTopology: true},
	}
	connected := map[string]bool{"0xCCC": true}

	pool := s.BuildPool(nodes, connected, now)
	require.Len(t, pool, 2)

	seen := map[string]bool{}
	for _, c := range pool {
		require.False(t, seen[Key(c)], "duplicate candidate key %s", Key(c))
		seen[Key(c)] = true
	}
}

func TestBuildPoolExcludesNonEntryPipelineStages(t *testing.T) {
	s := New(rand.New(rand.NewSource(1)))
	now := time.Now()

	nodes := []*models.Node{
		{URL: "http://entry.example.com", Status: models.NodeStatusOnline, Type: models.NodeTypePipeline, IsEntryPoint: true, CapacityScore: 1},
		{URL: "http://internal.example.com", Status: models.NodeStatusOnline, Type: models.NodeTypePipeline, IsEntryPoint: false, CapacityScore: 1},
	}

	pool := s.BuildPool(nodes, nil, now)
	require.Len(t, pool, 1)
	require.Equal(t, "http://entry.example.com", pool[0].URL)
}

func TestBuildPoolExcludesUnselectableNodes(t *testing.T) {
	s := New(rand.New(rand.NewSource(1)))
	now := time.Now()

	nodes := []*models.Node{
		{URL: "http://offline.example.com", Status: models.NodeStatusOffline, CapacityScore: 1},
		{URL: "http://cooling.example.com", Status: models.NodeStatusOnline, CapacityScore: 1, CooldownUntil: now.Add(time.Minute)},
	}

	pool := s.BuildPool(nodes, nil, now)
	require.Empty(t, pool)
}

func TestExcludeRemovesMatchingKeys(t *testing.T) {
	pool := []Candidate{
		{URL: "http://a.example.com"},
		{URL: "http://b.example.com"},
	}

	out := Exclude(pool, map[string]bool{"url:http://a.example.com": true})

	require.Len(t, out, 1)
	require.Equal(t, "http://b.example.com", out[0].URL)
}

// TestWeightedShuffleConvergesToCapacityShare checks spec section 8's named
// law: across many draws, the empirical frequency of picking candidate i
// first converges to capacity_i / sum(capacity_j).
func TestWeightedShuffleConvergesToCapacityShare(t *testing.T) {
	s := New(rand.New(rand.NewSource(42)))
	pool := []Candidate{
		{URL: "http://heavy.example.com", CapacityScore: 3},
		{URL: "http://light.example.com", CapacityScore: 1},
	}

	const trials = 20000
	firstPickCounts := map[string]int{}
	for i := 0; i < trials; i++ {
		ordered := s.weightedShuffle(pool)
		firstPickCounts[Key(ordered[0])]++
	}

	heavyShare := float64(firstPickCounts["url:http://heavy.example.com"]) / float64(trials)
	// capacity_heavy / (capacity_heavy + capacity_light) = 3/4 = 0.75
	require.InDelta(t, 0.75, heavyShare, 0.03)
}
