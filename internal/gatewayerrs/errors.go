// Package gatewayerrs categorizes the failure modes of spec section 7
// (Validation, Authorization, Tier, NoCandidates, TransientNode,
// ProtocolMismatch, WorkerDisconnect, Timeout, Fatal) so callers can decide
// retry and surface behavior without string-matching error text.
package gatewayerrs

import (
	"errors"
	"fmt"
)

// Kind is the category a gateway-level error belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindTier
	KindNoCandidates
	KindTransientNode
	KindProtocolMismatch
	KindWorkerDisconnect
	KindTimeout
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindTier:
		return "tier"
	case KindNoCandidates:
		return "no_candidates"
	case KindTransientNode:
		return "transient_node"
	case KindProtocolMismatch:
		return "protocol_mismatch"
	case KindWorkerDisconnect:
		return "worker_disconnect"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the Retry Coordinator should try another
// candidate after an error of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientNode, KindProtocolMismatch, KindWorkerDisconnect, KindTimeout:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with its gateway Kind and the operation
// and node it occurred against, mirroring the teacher's DiscoveryError.
type Error struct {
	Kind      Kind
	Operation string
	NodeURL   string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.NodeURL != "" {
			return fmt.Sprintf("%s failed for node %s: %s: %v", e.Operation, e.NodeURL, e.Message, e.Err)
		}
		return fmt.Sprintf("%s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	if e.NodeURL != "" {
		return fmt.Sprintf("%s failed for node %s: %s", e.Operation, e.NodeURL, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a gateway Error.
func New(kind Kind, operation, nodeURL, message string, err error) *Error {
	return &Error{Kind: kind, Operation: operation, NodeURL: nodeURL, Message: message, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, otherwise KindUnknown.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// IsConnectionError reports whether err looks like the transport never
// reached the node at all (as opposed to the node replying with an error),
// which the Retry Coordinator uses to force a node offline immediately
// instead of waiting for the failure-count threshold.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"EOF",
	} {
		if containsFold(s, pattern) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	sl, subl := len(s), len(substr)
	if subl == 0 || subl > sl {
		return subl == 0
	}
	for i := 0; i+subl <= sl; i++ {
		if equalFold(s[i:i+subl], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

var (
	// ErrServiceUnavailable is a generic "service unavailable" sentinel.
	// The Retry Coordinator does not return it; it reports an empty or
	// exhausted candidate pool as an *Error of KindNoCandidates or
	// KindTransientNode.
	ErrServiceUnavailable = errors.New("service unavailable")
)
