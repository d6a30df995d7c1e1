package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"waitlist-service/internal/config"
)

const (
	AlgorithmSHA256  = "sha256"
	AlgorithmBlake2b = "blake2b"
	AlgorithmMurmur3 = "murmur3"
)

// IdentityHasher turns a normalized identity into a stable, opaque key used
// for identity-scoped rate limiting and log correlation. The raw identity
// never appears in counter keys or logs.
type IdentityHasher struct {
	algorithm string
	key       []byte
	pool      sync.Pool
}

// NewIdentityHasher builds a hasher from config. An unknown algorithm falls
// back to murmur3 rather than failing: the digest only needs to be stable.
func NewIdentityHasher(cfg config.HashingConfig, logger *zap.Logger) *IdentityHasher {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &IdentityHasher{algorithm: cfg.Algorithm, key: []byte(cfg.Key)}

	switch cfg.Algorithm {
	case AlgorithmSHA256, "":
		h.algorithm = AlgorithmSHA256
		h.pool.New = func() interface{} {
			if len(h.key) > 0 {
				return hmac.New(sha256.New, h.key)
			}
			return sha256.New()
		}
	case AlgorithmBlake2b:
		// blake2b keys are capped at 64 bytes.
		if len(h.key) > blake2b.Size {
			sum := sha256.Sum256(h.key)
			h.key = sum[:]
		}
		h.pool.New = func() interface{} {
			d, err := blake2b.New256(h.key)
			if err != nil {
				// Only possible with an oversize key, which is excluded above.
				panic(err)
			}
			return d
		}
	default:
		if cfg.Algorithm != AlgorithmMurmur3 {
			logger.Warn("unknown identity hash algorithm, using murmur3",
				zap.String("algorithm", cfg.Algorithm))
		}
		h.algorithm = AlgorithmMurmur3
		h.pool.New = func() interface{} {
			return murmur3.New128()
		}
	}

	return h
}

// Hash returns the hex digest of identity. Deterministic for a given
// algorithm and key.
func (h *IdentityHasher) Hash(identity string) string {
	d := h.pool.Get().(hash.Hash)
	defer func() {
		d.Reset()
		h.pool.Put(d)
	}()

	_, _ = d.Write([]byte(identity))
	sum := hex.EncodeToString(d.Sum(nil))

	if h.algorithm == AlgorithmMurmur3 {
		return "id_" + sum
	}
	return sum
}

// Algorithm reports the algorithm actually in use.
func (h *IdentityHasher) Algorithm() string {
	return h.algorithm
}
