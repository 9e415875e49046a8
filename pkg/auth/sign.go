package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Sign builds "{exp}-{md5(path-exp-secret)}" for a stream path like /live/test.
func Sign(streamPath string, expires int64, secret string) string {
	return strconv.FormatInt(expires, 10) + "-" + digest(streamPath, expires, secret)
}

// Verify checks a signature produced by Sign. Expired signatures never verify.
func Verify(sign, streamPath, secret string, now time.Time) bool {
	expPart, hash, ok := strings.Cut(sign, "-")
	if !ok || hash == "" {
		return false
	}
	exp, err := strconv.ParseInt(expPart, 10, 64)
	if err != nil {
		return false
	}
	if exp < now.Unix() {
		return false
	}
	want := digest(streamPath, exp, secret)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(want)) == 1
}

func digest(streamPath string, expires int64, secret string) string {
	sum := md5.Sum([]byte(streamPath + "-" + strconv.FormatInt(expires, 10) + "-" + secret))
	return hex.EncodeToString(sum[:])
}
