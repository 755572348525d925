package relay

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// maxAuthClockSkew is the maximum allowed drift between a worker's claimed
// timestamp and the gateway's wall clock (spec section 4.4).
const maxAuthClockSkew = 5 * time.Minute

// canonicalAuthMessage reproduces the exact byte string the worker signed:
// the address, model, and timestamp concatenated, mirroring the signing
// convention in _examples/iwehf-crynux-bridge/relay/sign_data.go (data
// bytes followed by the decimal timestamp string, hashed and signed with
// the worker's private key).
func canonicalAuthMessage(address, model string, timestamp int64) []byte {
	return []byte(address + model + strconv.FormatInt(timestamp, 10))
}

// verifyAuthFrame checks every rejection condition spec section 4.4 lists,
// in order, and verifies the EIP-191 personal-sign signature recovers to
// the claimed address.
func verifyAuthFrame(frame authFrame, now time.Time) error {
	if frame.Address == "" || frame.Model == "" || frame.Timestamp == 0 || frame.Signature == "" {
		return fmt.Errorf("missing required auth field")
	}

	claimed := time.Unix(frame.Timestamp, 0)
	skew := now.Sub(claimed)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxAuthClockSkew {
		return fmt.Errorf("timestamp drift %s exceeds allowed %s", skew, maxAuthClockSkew)
	}

	sigBytes, err := hexutil.Decode(frame.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sigBytes) != 65 {
		return fmt.Errorf("invalid signature length %d", len(sigBytes))
	}
	// go-ethereum's Sign produces a recovery id in [0,1]; Ecrecover expects
	// the same convention SignatureToPub wants.
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	msg := canonicalAuthMessage(frame.Address, frame.Model, frame.Timestamp)
	hash := accounts.TextHash(msg)

	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return fmt.Errorf("recovering public key: %w", err)
	}

	recovered := crypto.PubkeyToAddress(*pubKey)
	claimedAddr := common.HexToAddress(frame.Address)
	if !strings.EqualFold(recovered.Hex(), claimedAddr.Hex()) {
		return fmt.Errorf("signature does not match declared address")
	}

	return nil
}
