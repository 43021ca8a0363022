package store

import (
	"bytes"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusPassed, StatusFailed, StatusErrored, StatusNoBaseline}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	for _, status := range []Status{StatusPending, StatusRunning} {
		if status.Terminal() {
			t.Fatalf("expected %s to be non-terminal", status)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	enc, err := newAesGcmEncryptor(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cipherText, err := enc.Encrypt("s3cret-password")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if cipherText == "s3cret-password" {
		t.Fatalf("ciphertext must differ from plaintext")
	}
	plain, err := enc.Decrypt(cipherText)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "s3cret-password" {
		t.Fatalf("unexpected plaintext: %s", plain)
	}
}

func TestEncryptorRejectsBadKey(t *testing.T) {
	if _, err := newAesGcmEncryptor([]byte("short")); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	enc, _ := newAesGcmEncryptor(key)
	if _, err := enc.Decrypt("YWJj"); err == nil {
		t.Fatalf("expected error for truncated ciphertext")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	enc1, _ := newAesGcmEncryptor(bytes.Repeat([]byte{0x01}, 32))
	enc2, _ := newAesGcmEncryptor(bytes.Repeat([]byte{0x02}, 32))
	cipherText, err := enc1.Encrypt("password")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(cipherText); err == nil {
		t.Fatalf("expected decrypt failure with wrong key")
	}
}
