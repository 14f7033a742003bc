package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateRandomString returns length random bytes from crypto/rand, encoded
// as unpadded base64. Every credential the broker mints (client ids and
// secrets, state tokens, authorization codes, access and refresh tokens)
// comes from here.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Errorf("failed to generate random string: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
