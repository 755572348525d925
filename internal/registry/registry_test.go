package registry

import (
	"testing"
	"time"

	"github.com/arcrelay/inferd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertRejectsInvalidURLs(t *testing.T) {
	r := New()

	_, err := r.Upsert(models.NodeSeed{URL: "http://localhost:9000"})
	assert.Error(t, err)

	_, err = r.Upsert(models.NodeSeed{URL: "ftp://example.com"})
	assert.Error(t, err)

	_, err = r.Upsert(models.NodeSeed{URL: "http://10.0.0.5:8000"})
	assert.Error(t, err, "private ranges are rejected by default")
}

func TestUpsertAllowsPrivateWhenFlagged(t *testing.T) {
	r := New(WithAllowPrivateIPs(true))
	n, err := r.Upsert(models.NodeSeed{URL: "http://192.168.1.5:8000"})
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusOffline, n.Status)
	assert.Equal(t, 1.0, n.CapacityScore)
}

func TestUpsertPlainListNeverOverwritesTopologyConfirmedAddress(t *testing.T) {
	r := New()

	n, err := r.Upsert(models.NodeSeed{URL: "https://shared.example.com", WalletAddress: "0xNEW", FromTopology: true})
	require.NoError(t, err)
	r.SetTopologyInfo(n.URL, true)

	n, err = r.Upsert(models.NodeSeed{URL: "https://shared.example.com", WalletAddress: "0xOLD"})
	require.NoError(t, err)
	assert.Equal(t, "0xnew", n.WalletAddress, "a plain-list seed must not overwrite a topology-confirmed address")

	n, err = r.Upsert(models.NodeSeed{URL: "https://shared.example.com", WalletAddress: "0xNEWER", FromTopology: true})
	require.NoError(t, err)
	assert.Equal(t, "0xnewer", n.WalletAddress, "a topology seed may still update the address")
}

func TestIncrementFailureCrossesThreshold(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return fixed }))
	_, err := r.Upsert(models.NodeSeed{URL: "http://node-a.example.com"})
	require.NoError(t, err)
	r.SetStatus("http://node-a.example.com", models.NodeStatusOnline)

	r.IncrementFailure("http://node-a.example.com")
	r.IncrementFailure("http://node-a.example.com")
	n := r.Get("http://node-a.example.com")
	require.NotNil(t, n)
	assert.Equal(t, models.NodeStatusOnline, n.Status, "below threshold stays online")

	r.IncrementFailure("http://node-a.example.com")
	n = r.Get("http://node-a.example.com")
	assert.Equal(t, models.NodeStatusOffline, n.Status)
	assert.True(t, n.InCooldown(fixed.Add(time.Second)))
	assert.False(t, n.InCooldown(fixed.Add(DefaultCooldown+time.Second)))
}

func TestResetFailureAfterSuccess(t *testing.T) {
	r := New()
	_, err := r.Upsert(models.NodeSeed{URL: "http://node-b.example.com"})
	require.NoError(t, err)
	r.IncrementFailure("http://node-b.example.com")
	r.IncrementFailure("http://node-b.example.com")
	r.ResetFailure("http://node-b.example.com")

	n := r.Get("http://node-b.example.com")
	assert.Equal(t, 0, n.ConsecutiveFails)
}

func TestFindByAddressIsCaseInsensitive(t *testing.T) {
	r := New()
	_, err := r.Upsert(models.NodeSeed{URL: "http://node-c.example.com", WalletAddress: "0xABC123"})
	require.NoError(t, err)

	n := r.FindByAddress("0xabc123")
	require.NotNil(t, n)
	assert.Equal(t, "http://node-c.example.com", n.URL)
}

func TestAdjustInFlightNeverGoesNegative(t *testing.T) {
	r := New()
	_, err := r.Upsert(models.NodeSeed{URL: "http://node-d.example.com"})
	require.NoError(t, err)

	r.AdjustInFlight("http://node-d.example.com", -5)
	n := r.Get("http://node-d.example.com")
	assert.Equal(t, int64(0), n.InFlight)
}
