// Package randutils provides small helpers for generating opaque
// correlation suffixes (CANCEL child transaction ids, local tags) where a
// full UUID would be overkill.
package randutils

import (
	"crypto/rand"
	"encoding/hex"
)

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandString returns a random alphanumeric string of length n.
func RandString(n int) string {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	if err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = charset[b%byte(len(charset))]
	}
	return string(buf)
}

// RandHex returns n random bytes hex-encoded, used for nonce/tid filler
// where the exact alphabet does not matter but byte length does.
func RandHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
