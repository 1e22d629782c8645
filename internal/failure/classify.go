package failure

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Wallet and node error codes that carry meaning for classification.
const (
	CodeUserRejected = 4001
	CodeRateLimited  = -32005
	CodeHTTPTooMany  = http.StatusTooManyRequests
)

const maxMessageLen = 100

var (
	rejectedPatterns = []string{"user rejected", "user denied", "rejected by user"}
	rateLimit        = []string{"rate limit", "too many requests", "429"}
)

// Classify maps a raw wallet or RPC error onto a kind. Errors already
// classified pass through unchanged. Everything unrecognised becomes
// NetworkCongested with the cause kept for logging.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	code, hasCode := errorCode(err)
	msg := strings.ToLower(err.Error())

	switch {
	case hasCode && code == CodeUserRejected, containsAny(msg, rejectedPatterns):
		return Wrap(UserRejected, err, "")
	case strings.Contains(msg, "insufficient funds"):
		return Wrap(InsufficientFunds, err, "")
	case strings.Contains(msg, "execution reverted"):
		reason := RevertReason(err)
		if reason == "" {
			return Wrap(TransactionReverted, err, "")
		}
		return Wrap(TransactionReverted, err, truncate("transaction reverted: "+reason))
	case hasCode && (code == CodeRateLimited || code == CodeHTTPTooMany), containsAny(msg, rateLimit):
		return Wrap(RateLimited, err, "")
	}

	return Wrap(NetworkCongested, err, "")
}

// RevertReason extracts a revert string from the error's data payload or,
// failing that, from the "execution reverted: <reason>" message text.
func RevertReason(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}

	msg := err.Error()
	for _, marker := range []string{"execution reverted:", "reason:"} {
		if i := strings.Index(msg, marker); i >= 0 {
			return strings.TrimSpace(msg[i+len(marker):])
		}
	}
	return ""
}

func errorCode(err error) (int, bool) {
	var re rpc.Error
	if errors.As(err, &re) {
		return re.ErrorCode(), true
	}
	var he rpc.HTTPError
	if errors.As(err, &he) {
		return he.StatusCode, true
	}
	return 0, false
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	cut := maxMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
