package satchel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation
	PBKDF2Iterations = 100000
)

// Encryptor provides encryption/decryption for cached content payloads.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewEncryptorWithKey creates an encryptor with a raw 32-byte key.
func NewEncryptorWithKey(key []byte) (*Encryptor, error) {
	if len(key) != EncryptionKeySize {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	return newEncryptor(key, nil)
}

// NewEncryptorWithSalt derives a key from a password and an existing salt.
// The salt must be stable across restarts or previously written payloads
// become unreadable; the store keeps it in the meta table.
func NewEncryptorWithSalt(password string, salt []byte) (*Encryptor, error) {
	if len(salt) != EncryptionSaltSize {
		return nil, errors.New("invalid salt size")
	}
	key := pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	return newEncryptor(key, salt)
}

func newEncryptor(key, salt []byte) (*Encryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// Salt returns the salt used for key derivation, nil for raw keys.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// Encrypt encrypts plaintext and returns ciphertext with prepended nonce.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext (with prepended nonce) and returns plaintext.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < EncryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:EncryptionNonceSize]
	return e.gcm.Open(nil, nonce, ciphertext[EncryptionNonceSize:], nil)
}

const metaContentSalt = "content_salt"

// encryptorForConfig builds the content encryptor, loading or creating the
// persistent salt for password-derived keys.
func encryptorForConfig(db *sql.DB, cfg EncryptionConfig) (*Encryptor, error) {
	if len(cfg.Key) > 0 {
		return NewEncryptorWithKey(cfg.Key)
	}
	if cfg.KeyPassword == "" {
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	var salt []byte
	err := db.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaContentSalt).Scan(&salt)
	switch {
	case err == sql.ErrNoRows:
		salt = make([]byte, EncryptionSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, metaContentSalt, salt); err != nil {
			return nil, newStorageError(StorageErrorTypeWrite, "failed to persist content salt", "", err)
		}
	case err != nil:
		return nil, newStorageError(StorageErrorTypeRead, "failed to load content salt", "", err)
	}

	return NewEncryptorWithSalt(cfg.KeyPassword, salt)
}
