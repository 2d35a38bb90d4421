package satchel

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("key: %v", err)
	}
	enc, err := NewEncryptorWithKey(key)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}

	plaintext := []byte("offline lesson payload")
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext equals plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("round trip mismatch")
	}
}

func TestEncryptorKeySize(t *testing.T) {
	if _, err := NewEncryptorWithKey(make([]byte, 16)); err == nil {
		t.Error("expected error for short key")
	}
}

func TestPasswordDerivedKeyIsDeterministic(t *testing.T) {
	salt := make([]byte, EncryptionSaltSize)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("salt: %v", err)
	}

	e1, err := NewEncryptorWithSalt("password", salt)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	e2, err := NewEncryptorWithSalt("password", salt)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}

	// Same password + salt: e2 can read what e1 wrote.
	ciphertext, err := e1.Encrypt([]byte("data"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := e2.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, []byte("data")) {
		t.Error("derived keys differ")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := make([]byte, EncryptionKeySize)
	enc, err := NewEncryptorWithKey(key)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	ciphertext, err := enc.Encrypt([]byte("data"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := enc.Decrypt(ciphertext); err == nil {
		t.Error("tampered ciphertext accepted")
	}

	if _, err := enc.Decrypt([]byte("short")); err == nil {
		t.Error("short ciphertext accepted")
	}
}
