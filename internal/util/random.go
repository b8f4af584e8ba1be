// Package util provides small helpers shared by OrderPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID returns prefix followed by hexLength random hex digits.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random hex digits. Not for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

// GenerateJobID generates a durable job ID with the "job_" prefix.
func GenerateJobID() string {
	return GenerateRandomID("job_", 32)
}

// RandomChoice returns a uniformly chosen element of options, or the zero value when empty.
func RandomChoice[T any](options []T) T {
	var zero T
	if len(options) == 0 {
		return zero
	}
	return options[rand.IntN(len(options))]
}
