package util

import (
	"bytes"
	"testing"
)

func TestAESGCMDetachedIV(t *testing.T) {
	key, _ := RandomBytes(AESKeySize)
	iv, _ := RandomBytes(12)
	plainText := []byte("hello world")

	t.Run("SealOpenRoundTrip", func(t *testing.T) {
		cipherText, err := SealAESGCM(plainText, key, iv)
		if err != nil {
			t.Fatalf("SealAESGCM failed: %v", err)
		}
		decrypted, err := OpenAESGCM(cipherText, key, iv)
		if err != nil {
			t.Fatalf("OpenAESGCM failed: %v", err)
		}
		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := SealAESGCM(plainText, key, iv)
		cipherText[len(cipherText)-1] ^= 0xFF
		if _, err := OpenAESGCM(cipherText, key, iv); err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("WrongIV", func(t *testing.T) {
		cipherText, _ := SealAESGCM(plainText, key, iv)
		otherIV, _ := RandomBytes(12)
		if _, err := OpenAESGCM(cipherText, key, otherIV); err == nil {
			t.Error("expected error with wrong IV, got nil")
		}
	})

	t.Run("BadIVLength", func(t *testing.T) {
		if _, err := SealAESGCM(plainText, key, iv[:8]); err == nil {
			t.Error("expected error with short IV, got nil")
		}
	})

	t.Run("BadKeyLength", func(t *testing.T) {
		if _, err := OpenAESGCM(plainText, key[:16], iv); err == nil {
			t.Error("expected error with short key, got nil")
		}
	})
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two 32-byte random draws must not collide")
	}
}
