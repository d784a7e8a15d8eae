// Package fingerprint derives the deterministic content hash used as the
// coalescing and cache key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/quorixlabs/infergate/internal/backends"
)

// Separators in the canonical encoding. The unit separator splits role from
// content inside a message; the record separator terminates the model and
// each message.
const (
	sepUnit   = 0x1f
	sepRecord = 0x1e
)

// Compute hashes the request's (model, messages, generation) triple into a
// 32-byte digest. RequestID, UserID and Stream never participate, so two
// payload-identical requests fingerprint equally regardless of caller or
// transport mode.
func Compute(req *backends.Request) [32]byte {
	h := sha256.New()
	h.Write([]byte(req.Model))
	h.Write([]byte{sepRecord})
	for _, m := range req.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{sepUnit})
		h.Write([]byte(m.Content))
		h.Write([]byte{sepRecord})
	}
	h.Write([]byte(canonGeneration(req.MaxTokens, req.Temperature, req.TopP)))

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// Hex returns the lowercase hex digest used in KV keys and coalescer maps.
func Hex(req *backends.Request) string {
	d := Compute(req)
	return hex.EncodeToString(d[:])
}

// canonGeneration renders generation parameters with stable formatting:
// max_tokens as a plain integer, temperature and top_p as fixed-point
// 6-decimal strings clamped into their valid ranges.
func canonGeneration(maxTokens int, temperature, topP float64) string {
	return strconv.Itoa(maxTokens) +
		"|" + fixed6(clamp(temperature, 0, 2)) +
		"|" + fixed6(clamp(topP, 0, 1))
}

func fixed6(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

func clamp(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}
