package observability

import (
	"crypto/rand"
	"math/big"
)

const (
	traceAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	traceLength   = 12
)

// TraceHeader is carried on every queue publish so logs across the
// orchestrator, workers and webhook pipeline can be correlated.
const TraceHeader = "X-Trace-Id"

// NewTraceID returns a 12-character base62 identifier.
func NewTraceID() string {
	buf := make([]byte, traceLength)
	max := big.NewInt(int64(len(traceAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken;
			// fall back to a fixed character rather than aborting the send.
			buf[i] = traceAlphabet[0]
			continue
		}
		buf[i] = traceAlphabet[n.Int64()]
	}
	return string(buf)
}
