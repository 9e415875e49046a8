package utils

import (
	"crypto/rand"
	"math/big"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const IdLength = 8

// GenId returns a random 8-character session id.
func GenId() string {
	b := make([]byte, IdLength)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = idAlphabet[n.Int64()]
	}
	return string(b)
}

// GenUniqueId draws ids until taken reports a free one.
func GenUniqueId(taken func(id string) bool) string {
	for {
		id := GenId()
		if !taken(id) {
			return id
		}
	}
}
