// utils/invite.go
package utils

import (
	"crypto/rand"
	"math/big"
)

const inviteAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateInviteCode returns a random uppercase alphanumeric code. Collisions
// are handled by the caller's unique constraint plus retry.
func GenerateInviteCode(length int) string {
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(inviteAlphabet))))
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken
			out[i] = inviteAlphabet[0]
			continue
		}
		out[i] = inviteAlphabet[n.Int64()]
	}
	return string(out)
}
