package auth

import (
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerify(t *testing.T) {
	sum := md5.Sum([]byte("/live/test-9999999999-s3cr3t"))
	sign := "9999999999-" + hex.EncodeToString(sum[:])
	now := time.Unix(1700000000, 0)

	assert.Equal(t, sign, Sign("/live/test", 9999999999, "s3cr3t"))
	assert.True(t, Verify(sign, "/live/test", "s3cr3t", now))

	t.Run("mutated digest", func(t *testing.T) {
		for i := len("9999999999-"); i < len(sign); i++ {
			b := []byte(sign)
			if b[i] == '0' {
				b[i] = '1'
			} else {
				b[i] = '0'
			}
			assert.False(t, Verify(string(b), "/live/test", "s3cr3t", now), "position %d", i)
		}
	})

	t.Run("wrong path or secret", func(t *testing.T) {
		assert.False(t, Verify(sign, "/live/other", "s3cr3t", now))
		assert.False(t, Verify(sign, "/live/test", "secret", now))
	})

	t.Run("expired", func(t *testing.T) {
		past := Sign("/live/test", 1600000000, "s3cr3t")
		assert.False(t, Verify(past, "/live/test", "s3cr3t", now))
	})

	t.Run("malformed", func(t *testing.T) {
		for _, s := range []string{"", "abc", "9999999999", "9999999999-", "x-" + hex.EncodeToString(sum[:])} {
			assert.False(t, Verify(s, "/live/test", "s3cr3t", now), s)
		}
	})
}
