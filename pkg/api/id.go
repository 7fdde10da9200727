package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	runIDPrefix = "run_"
)

var runIDPattern = regexp.MustCompile(`^run_[a-zA-Z0-9]{24}$`)

// NewRunID generates a new run ID with the "run_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewRunID() string {
	return runIDPrefix + randomAlphanumeric(idLength)
}

// ValidateRunID checks whether the given string is a valid run ID
// (matches "run_" + 24 alphanumeric characters).
func ValidateRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
