// crypto.go
//
// Hashing, encryption and masking of one-time verification codes.
// Hashes are compared at verify time and never reversed. The encrypted copy
// exists only for the delivery worker and audited admin decrypts.
package codecrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrCrypto is returned by Decrypt for malformed envelopes, unknown versions,
// and ciphertexts that fail authentication. Callers use errors.Is.
var ErrCrypto = errors.New("code crypto failure")

// envelopeVersion prefixes every ciphertext so a later key or algorithm rotation is detectable.
const envelopeVersion = "v1"

// Crypto holds the resolved AES-256 key and hash salt.
// Safe for concurrent use; cipher.AEAD is stateless after construction.
type Crypto struct {
	aead cipher.AEAD
	salt string
}

// New builds a Crypto from a 32-byte key. salt may be empty, in which case
// base64(sha256(key)) is used so the hash is still bound to this deployment.
func New(key []byte, salt string) (*Crypto, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("codecrypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codecrypto: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codecrypto: creating gcm: %w", err)
	}
	if salt == "" {
		sum := sha256.Sum256(key)
		salt = base64.StdEncoding.EncodeToString(sum[:])
	}
	return &Crypto{aead: aead, salt: salt}, nil
}

// Hash returns base64(sha256(code + ":" + salt)). Deterministic; used for equality checks only.
func (c *Crypto) Hash(code string) string {
	sum := sha256.Sum256([]byte(code + ":" + c.salt))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Encrypt seals plain with a fresh random nonce and returns "v1:<nonce>:<ciphertext>".
func (c *Crypto) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("codecrypto: generating nonce: %w", err)
	}
	ct := c.aead.Seal(nil, nonce, []byte(plain), nil)
	return envelopeVersion + ":" +
		base64.StdEncoding.EncodeToString(nonce) + ":" +
		base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (c *Crypto) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed envelope", ErrCrypto)
	}
	if parts[0] != envelopeVersion {
		return "", fmt.Errorf("%w: unsupported envelope version %q", ErrCrypto, parts[0])
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce", ErrCrypto)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrCrypto)
	}
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCrypto)
	}
	return string(plain), nil
}

// Mask keeps the first and last two characters, e.g. "123456" -> "12****56".
// Anything shorter than four characters is fully masked.
func Mask(code string) string {
	if code == "" {
		return ""
	}
	if len(code) < 4 {
		return "****"
	}
	return code[:2] + "****" + code[len(code)-2:]
}

// codeSpace is the number of six-digit codes: 100000..999999.
var codeSpace = big.NewInt(900000)

// GenerateCode returns a uniformly random six-digit numeric code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("codecrypto: generating code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
