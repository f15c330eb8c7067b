// services/overlay.go
package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"os"
)

const overlayCodeLength = 6

func overlaySecret() []byte {
	secret := os.Getenv("OVERLAY_SECRET")
	if secret == "" {
		secret = "dev-overlay-secret-change-me"
	}
	return []byte(secret)
}

// OverlayCode derives the deterministic watermark code for one
// (challenge, participant, slot). The keyed one-way construction means a
// submitter cannot predict codes for slots they have not reached yet.
func OverlayCode(challengeID, participantID, slotKey string) string {
	mac := hmac.New(sha256.New, overlaySecret())
	fmt.Fprintf(mac, "%s.%s.%s", challengeID, participantID, slotKey)
	code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(mac.Sum(nil))
	return code[:overlayCodeLength]
}
