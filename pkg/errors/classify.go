package apperrors

import (
	"errors"
	"strings"
)

// Bitfinex v2 error codes relevant to the order path.
const (
	CodeAuthFailed    = 10100
	CodeNonceTooSmall = 10114
	CodeInvalidParams = 10020
	CodeMaintenance   = 20060
	CodeNotReady      = 11000
	CodeRateLimit     = 11010
)

// retryableCodes maps exchange error codes to whether a retry can succeed.
// Codes absent from the table are treated as fatal.
var retryableCodes = map[int]bool{
	CodeMaintenance: true,
	CodeNotReady:    true,
	CodeRateLimit:   true,
}

// IsRetryable reports whether the error is worth retrying: transport
// failures, rate limiting, timeouts, and exchange codes classified as
// transient. Nonce errors are excluded; they have a dedicated one-shot
// recovery path.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ex *ExchangeError
	if errors.As(err, &ex) {
		return retryableCodes[ex.Code]
	}
	return false
}

// IsNonceTooSmall detects the exchange nonce rejection in both its typed
// and textual forms.
func IsNonceTooSmall(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonceTooSmall) {
		return true
	}
	var ex *ExchangeError
	if errors.As(err, &ex) {
		if ex.Code == CodeNonceTooSmall {
			return true
		}
		return strings.Contains(strings.ToLower(ex.Message), "nonce")
	}
	return false
}

// NonceFloor extracts the minimum nonce the server reported in a nonce
// rejection, e.g. "nonce: small, expected > 1717320000000000". Returns
// false when the message carries no usable figure. Only values large
// enough to be a microsecond timestamp count; small numbers in the text
// are noise.
func NonceFloor(err error) (int64, bool) {
	var ex *ExchangeError
	if !errors.As(err, &ex) {
		return 0, false
	}
	var best int64
	msg := ex.Message
	for i := 0; i < len(msg); {
		if msg[i] < '0' || msg[i] > '9' {
			i++
			continue
		}
		j := i
		var n int64
		overflow := false
		for j < len(msg) && msg[j] >= '0' && msg[j] <= '9' {
			d := int64(msg[j] - '0')
			if n > (1<<63-1-d)/10 {
				overflow = true
			} else {
				n = n*10 + d
			}
			j++
		}
		if !overflow && n > best {
			best = n
		}
		i = j
	}
	// Microsecond epoch values start around 1.2e15 (year 2008).
	const minPlausible = int64(1_200_000_000_000_000)
	if best < minPlausible {
		return 0, false
	}
	return best, true
}

// IsFatalAuth reports a non-recoverable authentication failure.
func IsFatalAuth(err error) bool {
	if IsNonceTooSmall(err) {
		return false
	}
	if errors.Is(err, ErrAuthentication) {
		return true
	}
	var ex *ExchangeError
	if errors.As(err, &ex) {
		return ex.Code == CodeAuthFailed
	}
	return false
}
