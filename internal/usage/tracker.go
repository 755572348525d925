// Package usage implements the Usage Tracker of spec section 4.8: a
// process-wide, lock-protected map of per-worker token/latency counters,
// updated synchronously after each successful request and periodically
// flushed to the Oracle in batches. It follows the same
// map-behind-one-mutex shape as the teacher's shared/pkg/store.MemoryStore,
// generalized from a job queue to a per-address counter aggregate.
package usage

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/arcrelay/inferd/internal/models"
)

// Reporter is the subset of *oracle.Client's API the periodic batch needs.
type Reporter interface {
	ReportUsage(ctx context.Context, report models.UsageReport) error
}

// Signer produces the EIP-191 personal-sign signature spec section 6's
// metrics report carries. Wallet-signature authentication is a declared
// out-of-scope collaborator (spec section 1): the gateway holds no
// worker private key, so only an external signing service could satisfy
// this interface. A Tracker with no Signer configured reports unsigned.
type Signer interface {
	SignUsageReport(report models.UsageReport) (string, error)
}

// Tracker owns every worker's UsageAggregate.
type Tracker struct {
	mu             sync.Mutex
	aggregates     map[string]*models.UsageAggregate
	staleAfter     time.Duration
	reportInterval time.Duration
	reporter       Reporter
	signer         Signer
	now            func() time.Time
}

// New builds a Tracker. reporter may be nil if no Oracle is configured,
// in which case the periodic batch only evicts stale aggregates and
// reports nothing.
func New(reporter Reporter, staleAfter, reportInterval time.Duration) *Tracker {
	return &Tracker{
		aggregates:     make(map[string]*models.UsageAggregate),
		staleAfter:     staleAfter,
		reportInterval: reportInterval,
		reporter:       reporter,
		now:            time.Now,
	}
}

// SetSigner attaches a Signer so outgoing reports carry spec section 6's
// signature field. Safe to leave unset; reports are then sent unsigned.
func (t *Tracker) SetSigner(s Signer) {
	t.signer = s
}

// Record applies one completed request's usage to its worker's aggregate,
// called synchronously after every successful request (spec 4.8).
func (t *Tracker) Record(walletAddress string, tokens int64, latency time.Duration) {
	if walletAddress == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	agg, ok := t.aggregates[walletAddress]
	if !ok {
		agg = &models.UsageAggregate{WalletAddress: walletAddress, UptimeStart: now}
		t.aggregates[walletAddress] = agg
	}
	agg.Tokens += tokens
	agg.RequestCount++
	agg.CumulativeMs += latency.Milliseconds()
	agg.LastRecordedAt = now
}

// Run flushes a batch report to the Oracle every reportInterval until ctx
// is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("usage tracker: stopping")
			return
		case <-ticker.C:
			t.flush(ctx)
		}
	}
}

// flush evicts stale aggregates, then reports every remaining one. Report
// failures are logged as warnings and never abort the batch; aggregates
// are not reset on failure so the next cycle retries the same values —
// spec 4.8's documented at-least-once reporting policy (see spec section
// 9's open-question decision: non-reset is the safer default).
func (t *Tracker) flush(ctx context.Context) {
	now := t.now()

	t.mu.Lock()
	for addr, agg := range t.aggregates {
		if now.Sub(agg.LastRecordedAt) > t.staleAfter {
			delete(t.aggregates, addr)
			log.Printf("info: usage tracker: evicting stale aggregate for %s", addr)
		}
	}
	snapshot := make([]models.UsageReport, 0, len(t.aggregates))
	for _, agg := range t.aggregates {
		snapshot = append(snapshot, models.UsageReport{
			Wallet:          agg.WalletAddress,
			TokensProcessed: agg.Tokens,
			RequestCount:    agg.RequestCount,
			AvgLatencyMs:    agg.AvgLatencyMillis(),
			UptimeSeconds:   agg.UptimeSeconds(now),
			Timestamp:       now.Unix(),
		})
	}
	t.mu.Unlock()

	if t.reporter == nil {
		return
	}
	for _, report := range snapshot {
		if t.signer != nil {
			sig, err := t.signer.SignUsageReport(report)
			if err != nil {
				log.Printf("warn: usage tracker: signing usage report for %s: %v", report.Wallet, err)
			} else {
				report.Signature = sig
			}
		}
		if err := t.reporter.ReportUsage(ctx, report); err != nil {
			log.Printf("warn: usage tracker: reporting usage for %s: %v", report.Wallet, err)
		}
	}
}

// Snapshot returns a copy of every tracked aggregate. No HTTP endpoint
// exposes it; it is read by the package's tests.
func (t *Tracker) Snapshot() []models.UsageAggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.UsageAggregate, 0, len(t.aggregates))
	for _, agg := range t.aggregates {
		out = append(out, *agg)
	}
	return out
}
