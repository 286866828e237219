// Package secrets encrypts credential material at rest. The key is derived
// from stable machine attributes, so ciphertexts are bound to the machine
// and the account that wrote them and no passphrase is required.
//
// Two ciphers are supported, tagged by prefix: NaCl secretbox ("sodium") is
// used for new ciphertexts, AES-256-GCM ("crypto") is kept so archives
// written with it stay readable.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	prefixSodium = "v1.sodium."
	prefixCrypto = "v1.crypto."
)

var ErrUnknownMethod = errors.New("unknown encryption method")

// Keychain holds the symmetric key.
type Keychain struct {
	key [32]byte
}

// NewKeychain derives the key from machine identity: hostname, home
// directory, OS, architecture, and username.
func NewKeychain() *Keychain {
	host, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", host, home, runtime.GOOS, runtime.GOARCH, username)

	var kc Keychain
	copy(kc.key[:], h.Sum(nil))
	return &kc
}

// NewKeychainFromKey builds a keychain around an explicit key, for tests and
// for portable archives.
func NewKeychainFromKey(key [32]byte) *Keychain {
	return &Keychain{key: key}
}

// Encrypt seals plaintext with secretbox and returns a method-tagged string.
func (kc *Keychain) Encrypt(plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &kc.key)
	return prefixSodium + base64.StdEncoding.EncodeToString(sealed), nil
}

// EncryptAESGCM seals plaintext with AES-256-GCM. Kept for interoperability
// with stores that cannot read secretbox.
func (kc *Keychain) EncryptAESGCM(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(kc.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return prefixCrypto + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a method-tagged ciphertext produced by either cipher.
func (kc *Keychain) Decrypt(ciphertext string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ciphertext, prefixSodium):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefixSodium))
		if err != nil {
			return nil, fmt.Errorf("decode ciphertext: %w", err)
		}
		if len(raw) < 24 {
			return nil, errors.New("ciphertext too short")
		}
		var nonce [24]byte
		copy(nonce[:], raw[:24])
		opened, ok := secretbox.Open(nil, raw[24:], &nonce, &kc.key)
		if !ok {
			return nil, errors.New("ciphertext authentication failed")
		}
		return opened, nil

	case strings.HasPrefix(ciphertext, prefixCrypto):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefixCrypto))
		if err != nil {
			return nil, fmt.Errorf("decode ciphertext: %w", err)
		}
		block, err := aes.NewCipher(kc.key[:])
		if err != nil {
			return nil, err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		if len(raw) < gcm.NonceSize() {
			return nil, errors.New("ciphertext too short")
		}
		opened, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
		if err != nil {
			return nil, errors.New("ciphertext authentication failed")
		}
		return opened, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, prefixOf(ciphertext))
}

func prefixOf(s string) string {
	if i := strings.LastIndex(s, "."); i >= 0 && i < 24 {
		return s[:i+1]
	}
	if len(s) > 24 {
		return s[:24]
	}
	return s
}
