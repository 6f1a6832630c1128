package util

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const (
	// AESKeySize is the only key size used anywhere in the CLI (AES-256).
	AESKeySize = 32
)

// SealAESGCM encrypts plainText with AES-256-GCM using a caller-supplied IV.
// The IV is not prepended to the ciphertext: the login wire format carries it
// as a separate field.
func SealAESGCM(plainText, rawKey, iv []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), gcm.NonceSize())
	}
	return gcm.Seal(nil, iv, plainText, nil), nil
}

// OpenAESGCM decrypts an AES-256-GCM ciphertext whose IV travels out of band.
// Authentication failure is returned as an error, never as partial plaintext.
func OpenAESGCM(cipherText, rawKey, iv []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), gcm.NonceSize())
	}
	plainText, err := gcm.Open(nil, iv, cipherText, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
