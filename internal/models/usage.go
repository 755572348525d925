package models

import "time"

// UsageAggregate is the per-worker counter set the Usage Tracker maintains
// between batched reports to the Oracle.
type UsageAggregate struct {
	WalletAddress   string
	Tokens          int64
	RequestCount    int64
	CumulativeMs    int64
	UptimeStart     time.Time
	LastRecordedAt  time.Time
}

// AvgLatencyMillis is the mean per-request latency, 0 if no requests yet.
func (a *UsageAggregate) AvgLatencyMillis() float64 {
	if a.RequestCount == 0 {
		return 0
	}
	return float64(a.CumulativeMs) / float64(a.RequestCount)
}

// UptimeSeconds is how long this worker has been accruing usage.
func (a *UsageAggregate) UptimeSeconds(now time.Time) float64 {
	if a.UptimeStart.IsZero() {
		return 0
	}
	return now.Sub(a.UptimeStart).Seconds()
}

// UsageReport is the batched shape sent to the Oracle's metrics endpoint.
// Signature is the worker's EIP-191 personal-sign over the other six
// fields' canonical serialization; the gateway never holds a worker's
// private key (wallet-signature authentication is an out-of-scope
// collaborator per spec section 1), so it is populated only when a Signer
// is configured and left empty otherwise.
type UsageReport struct {
	Wallet          string  `json:"wallet"`
	TokensProcessed int64   `json:"tokensProcessed"`
	RequestCount    int64   `json:"requestCount"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	Timestamp       int64   `json:"timestamp"`
	Signature       string  `json:"signature,omitempty"`
}
