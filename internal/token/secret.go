package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	secretLength = 40
	idLength     = 8
	idPrefix     = "tok_"

	alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	lowerAlnum   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// GenerateSecret returns a 40 character alphanumeric secret.
func GenerateSecret() (string, error) {
	return randomString(alphanumeric, secretLength)
}

// GenerateID returns a token id of the form tok_xxxxxxxx.
func GenerateID() (string, error) {
	suffix, err := randomString(lowerAlnum, idLength)
	if err != nil {
		return "", err
	}
	return idPrefix + suffix, nil
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate random string: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// Prefix returns the first eight characters of a presented secret, for logs.
func Prefix(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:8]
}
