// Package registry implements the Node Registry: the single
// process-wide, lock-protected map from node URL to Node record described
// in spec section 4.1. It follows the teacher's shared/pkg/store.MemoryStore
// shape (a map guarded by a dedicated mutex, CRUD methods that take the
// lock per call) generalized to the Node's own counters and cooldown
// instead of a job-queue store.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/arcrelay/inferd/internal/models"
)

const (
	// DefaultFailureThreshold is how many consecutive failures flip a node
	// offline and start its cooldown.
	DefaultFailureThreshold = 3
	// DefaultCooldown is how long a node stays excluded after crossing the
	// failure threshold.
	DefaultCooldown = 30 * time.Second
)

// Registry is the canonical, concurrency-safe map of known nodes.
type Registry struct {
	mu               sync.RWMutex
	nodes            map[string]*models.Node // keyed by URL
	allowPrivateIPs  bool
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithAllowPrivateIPs enables the ALLOW_PRIVATE_IPS escape hatch.
func WithAllowPrivateIPs(allow bool) Option {
	return func(r *Registry) { r.allowPrivateIPs = allow }
}

// WithFailureThreshold overrides DefaultFailureThreshold.
func WithFailureThreshold(n int) Option {
	return func(r *Registry) { r.failureThreshold = n }
}

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(r *Registry) { r.cooldown = d }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:            make(map[string]*models.Node),
		failureThreshold: DefaultFailureThreshold,
		cooldown:         DefaultCooldown,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert inserts a new node (seeded offline, unknown type, capacity 1.0)
// or returns the existing record if the URL is already known, updating
// only its wallet address as described below. It rejects invalid URLs per
// ValidateURL.
//
// A plain-node-list seed (FromTopology false) never overwrites the
// wallet address of a node already confirmed by a topology sync —
// spec section 9's topology-wins rule, enforced here rather than relying
// on Discovery happening to poll topology after the node list within a
// cycle, so the guarantee holds across cycles too (including once a node
// drops out of the topology response but still appears in the plain list).
func (r *Registry) Upsert(seed models.NodeSeed) (*models.Node, error) {
	if err := ValidateURL(seed.URL, r.allowPrivateIPs); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[seed.URL]; ok {
		if seed.WalletAddress != "" && (seed.FromTopology || !existing.FromTopology) {
			existing.WalletAddress = strings.ToLower(seed.WalletAddress)
		}
		return existing, nil
	}

	node := &models.Node{
		URL:           seed.URL,
		WalletAddress: strings.ToLower(seed.WalletAddress),
		Status:        models.NodeStatusOffline,
		Type:          models.NodeTypeUnknown,
		CapacityScore: 1.0,
	}
	r.nodes[seed.URL] = node
	return node, nil
}

// Get returns the node at url, or nil if unknown.
func (r *Registry) Get(url string) *models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[url]
}

// FindByAddress returns the first node whose wallet address matches
// (case-insensitively), or nil.
func (r *Registry) FindByAddress(address string) *models.Node {
	address = strings.ToLower(address)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.WalletAddress == address {
			return n
		}
	}
	return nil
}

// SnapshotAll returns a copy of every known node, safe for the caller to
// read without holding the registry lock.
func (r *Registry) SnapshotAll() []*models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		copyN := *n
		out = append(out, &copyN)
	}
	return out
}

// SetStatus sets a node's status directly (used by the Health Prober on
// success, and by the Retry Coordinator to force a node offline on a
// connection error without waiting for the failure threshold).
func (r *Registry) SetStatus(url string, status models.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[url]; ok {
		n.Status = status
	}
}

// SetType records the forwarding protocol inferred for this node.
func (r *Registry) SetType(url string, t models.NodeType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[url]; ok {
		n.Type = t
	}
}

// SetCapacity records a fresh capacity benchmark from the Oracle.
func (r *Registry) SetCapacity(url string, score float64) {
	if score <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[url]; ok {
		n.CapacityScore = score
	}
}

// MarkProbed records a successful health probe: online, failures cleared,
// cooldown cleared, last-probe timestamp updated.
func (r *Registry) MarkProbed(url string, t models.NodeType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[url]
	if !ok {
		return
	}
	n.Status = models.NodeStatusOnline
	n.ConsecutiveFails = 0
	n.CooldownUntil = time.Time{}
	n.LastProbeAt = r.now()
	if t != "" {
		n.Type = t
	}
}

// SetTopologyInfo records that a node's address/role was last confirmed by
// a pipeline topology sync, which takes priority over the plain node list
// on disagreement (spec section 4.2), and whether it is a pipeline entry
// point the Candidate Selector may dispatch to directly.
func (r *Registry) SetTopologyInfo(url string, isEntry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[url]; ok {
		n.FromTopology = true
		n.IsEntryPoint = isEntry
		n.Type = models.NodeTypePipeline
	}
}

// IncrementFailure increments a node's consecutive-failure counter and, on
// crossing the threshold, flips it offline and starts its cooldown.
func (r *Registry) IncrementFailure(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[url]
	if !ok {
		return
	}
	n.ConsecutiveFails++
	if n.ConsecutiveFails >= r.failureThreshold {
		n.Status = models.NodeStatusOffline
		n.CooldownUntil = r.now().Add(r.cooldown)
	}
}

// ResetFailure clears a node's failure counter after a successful attempt.
func (r *Registry) ResetFailure(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[url]; ok {
		n.ConsecutiveFails = 0
	}
}

// BeginCooldown starts a cooldown window without touching the failure
// counter, for callers that already know a node must be quarantined.
func (r *Registry) BeginCooldown(url string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[url]; ok {
		n.CooldownUntil = r.now().Add(d)
	}
}

// AdjustInFlight atomically adds delta (positive or negative) to a node's
// in-flight counter, clamping it at zero. The Retry Coordinator pairs
// +1/-1 around each dispatch attempt.
func (r *Registry) AdjustInFlight(url string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[url]; ok {
		n.InFlight += delta
		if n.InFlight < 0 {
			n.InFlight = 0
		}
	}
}
