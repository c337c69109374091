// key.go -- encryption key resolution.
package codecrypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrNoKeyMaterial is returned by ResolveKey when neither an explicit key nor a
// secret to derive one from is configured, and test mode is off.
var ErrNoKeyMaterial = errors.New("no code encryption key material configured (set CODE_ENCRYPTION_KEY or CODE_KEY_SECRET)")

// hkdfInfo binds derived keys to this purpose; changing it rotates every derived key.
const hkdfInfo = "postern code encryption v1"

// testSeed is the last-resort key source. Only reachable with allowTestSeed.
const testSeed = "postern-insecure-test-seed"

// KeySource describes where key material comes from, in priority order.
type KeySource struct {
	EncodedKey    string // base64, must decode to 32 bytes
	Secret        string // any length; HKDF-SHA256 derives the key
	AllowTestSeed bool   // permits the fixed seed when both above are empty
}

// ResolveKey returns a 32-byte key from the first configured source.
func ResolveKey(src KeySource) ([]byte, error) {
	if src.EncodedKey != "" {
		key, err := base64.StdEncoding.DecodeString(src.EncodedKey)
		if err != nil {
			return nil, fmt.Errorf("decoding CODE_ENCRYPTION_KEY: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("CODE_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
		}
		return key, nil
	}
	if src.Secret != "" {
		return deriveKey(src.Secret)
	}
	if src.AllowTestSeed {
		return deriveKey(testSeed)
	}
	return nil, ErrNoKeyMaterial
}

func deriveKey(secret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}
