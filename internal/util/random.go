package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomAlphaNumeric generates a random alphanumeric string of the
// specified length. Not cryptographic.
func GenerateRandomAlphaNumeric(length int) string {
	if length <= 0 {
		return ""
	}

	const chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(chars[rand.IntN(len(chars))])
	}

	return builder.String()
}

// GenerateDiscountCode generates an uppercase discount code with the given
// prefix, e.g. "PIUCANE-X7K2M9QA".
func GenerateDiscountCode(prefix string, length int) string {
	if length <= 0 {
		return prefix
	}

	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // skips ambiguous 0/O, 1/I
	var builder strings.Builder
	builder.Grow(len(prefix) + 1 + length)
	builder.WriteString(prefix)
	if prefix != "" {
		builder.WriteByte('-')
	}
	for i := 0; i < length; i++ {
		builder.WriteByte(chars[rand.IntN(len(chars))])
	}
	return builder.String()
}
