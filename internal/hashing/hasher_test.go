package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"waitlist-service/internal/config"
)

func TestIdentityHasher_SHA256MatchesStdlib(t *testing.T) {
	h := NewIdentityHasher(config.HashingConfig{Algorithm: AlgorithmSHA256}, zap.NewNop())

	sum := sha256.Sum256([]byte("foo@bar.com"))

	assert.Equal(t, hex.EncodeToString(sum[:]), h.Hash("foo@bar.com"))
	assert.Equal(t, AlgorithmSHA256, h.Algorithm())
}

func TestIdentityHasher_Deterministic(t *testing.T) {
	algorithms := []string{AlgorithmSHA256, AlgorithmBlake2b, AlgorithmMurmur3}

	for _, alg := range algorithms {
		t.Run(alg, func(t *testing.T) {
			a := NewIdentityHasher(config.HashingConfig{Algorithm: alg, Key: "k"}, zap.NewNop())
			b := NewIdentityHasher(config.HashingConfig{Algorithm: alg, Key: "k"}, zap.NewNop())

			assert.Equal(t, a.Hash("user@example.com"), b.Hash("user@example.com"))
			assert.Equal(t, a.Hash("user@example.com"), a.Hash("user@example.com"))
			assert.NotEqual(t, a.Hash("user@example.com"), a.Hash("other@example.com"))
		})
	}
}

func TestIdentityHasher_KeyChangesDigest(t *testing.T) {
	plain := NewIdentityHasher(config.HashingConfig{Algorithm: AlgorithmSHA256}, zap.NewNop())
	keyed := NewIdentityHasher(config.HashingConfig{Algorithm: AlgorithmSHA256, Key: "secret"}, zap.NewNop())

	assert.NotEqual(t, plain.Hash("a@b.co"), keyed.Hash("a@b.co"))
}

func TestIdentityHasher_Blake2bLongKey(t *testing.T) {
	h := NewIdentityHasher(config.HashingConfig{Algorithm: AlgorithmBlake2b, Key: strings.Repeat("k", 100)}, zap.NewNop())

	digest := h.Hash("a@b.co")

	assert.Len(t, digest, 64)
}

func TestIdentityHasher_UnknownAlgorithmFallsBack(t *testing.T) {
	h := NewIdentityHasher(config.HashingConfig{Algorithm: "md4"}, zap.NewNop())

	digest := h.Hash("a@b.co")

	assert.Equal(t, AlgorithmMurmur3, h.Algorithm())
	assert.True(t, strings.HasPrefix(digest, "id_"))
	assert.Len(t, digest, len("id_")+32)
}

func TestIdentityHasher_ConcurrentUse(t *testing.T) {
	h := NewIdentityHasher(config.HashingConfig{}, nil)
	want := h.Hash("same@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, h.Hash("same@example.com"))
		}()
	}
	wg.Wait()
}
