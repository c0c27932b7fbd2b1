// Package securestore keeps secrets such as the gateway key encrypted in memory.
package securestore

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/awnumar/memguard"
)

// Secret holds a value sealed in a memguard enclave. It is only decrypted into
// locked memory for the duration of an Access call.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals value. An empty value gives an unset secret.
func NewSecret(value string) *Secret {
	if value == "" {
		return &Secret{}
	}
	// NewEnclave wipes the slice it is given
	return &Secret{enclave: memguard.NewEnclave([]byte(value))}
}

// IsSet reports whether the secret holds a value.
func (s *Secret) IsSet() bool {
	return s != nil && s.enclave != nil
}

// Access calls f with the plaintext. The slice is wiped when f returns and
// must not be retained. An unset secret is passed as nil.
func (s *Secret) Access(f func(plaintext []byte) error) error {
	if !s.IsSet() {
		return f(nil)
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return f(buf.Bytes())
}

// EqualToConstantTime compares the secret with value without leaking timing.
func (s *Secret) EqualToConstantTime(value []byte) (bool, error) {
	var equal bool
	err := s.Access(func(plaintext []byte) error {
		equal = subtle.ConstantTimeCompare(plaintext, value) == 1
		return nil
	})
	return equal, err
}

// HMAC returns hex(HMAC-SHA256(secret, msg)).
func (s *Secret) HMAC(msg string) (string, error) {
	var sum []byte
	err := s.Access(func(key []byte) error {
		m := hmac.New(sha256.New, key)
		m.Write([]byte(msg))
		sum = m.Sum(nil)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// Destroy drops the sealed value. The secret is unset afterwards.
func (s *Secret) Destroy() {
	if s != nil {
		s.enclave = nil
	}
}
