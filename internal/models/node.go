// Package models holds the data shapes shared across the gateway's
// internal packages: nodes, topology, wire requests, and usage records.
package models

import "time"

// NodeType controls which forwarding protocol the Forwarder uses.
type NodeType string

const (
	NodeTypeOpenAI   NodeType = "openai"
	NodeTypePipeline NodeType = "pipeline"
	NodeTypeRelay    NodeType = "relay"
	NodeTypeUnknown  NodeType = "unknown"
)

// NodeStatus is the coarse availability of a Node.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// Node is a candidate inference endpoint: an HTTP node keyed by URL, or a
// synthetic relay node keyed by "relay://<wallet-address>".
type Node struct {
	URL              string     `json:"url"`
	WalletAddress    string     `json:"wallet_address,omitempty"`
	Status           NodeStatus `json:"status"`
	Type             NodeType   `json:"type"`
	CapacityScore    float64    `json:"capacity_score"`
	InFlight         int64      `json:"in_flight"`
	ConsecutiveFails int        `json:"consecutive_failures"`
	CooldownUntil    time.Time  `json:"cooldown_until,omitempty"`
	LastProbeAt      time.Time  `json:"last_probe_at,omitempty"`

	// FromTopology marks a node whose address was last set (or confirmed)
	// by a pipeline topology sync, which takes priority over the plain
	// node list on disagreement.
	FromTopology bool `json:"from_topology,omitempty"`
	// IsEntryPoint marks a pipeline node that accepts external requests
	// directly, as opposed to an internal stage only reachable from
	// another stage in the pipeline.
	IsEntryPoint bool `json:"is_entry_point,omitempty"`
}

// InCooldown reports whether the node is currently quarantined.
func (n *Node) InCooldown(now time.Time) bool {
	return now.Before(n.CooldownUntil)
}

// Selectable reports whether the node can appear in a candidate pool.
func (n *Node) Selectable(now time.Time) bool {
	return n.Status == NodeStatusOnline && !n.InCooldown(now)
}

// NodeSeed is the minimal information needed to upsert a node discovered
// from the Oracle's node list.
type NodeSeed struct {
	URL           string
	WalletAddress string
	// FromTopology marks a seed sourced from the pipeline topology sync
	// rather than the plain node list, so Upsert can enforce spec
	// section 9's topology-wins-on-disagreement rule across cycles, not
	// just within the cycle that happens to poll topology last.
	FromTopology bool
}
