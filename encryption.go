package easytsdb

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM.
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation.
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the number of iterations for key derivation.
	pbkdf2Iterations = 100000
)

func deriveArchiveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
}

func archiveAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveArchiveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// sealArchive encrypts a backup archive. The output carries the key
// derivation salt and the GCM nonce as a prefix so the archive is
// self-describing for restore.
func sealArchive(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, encryptionSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := archiveAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, encryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// openArchive decrypts a backup archive produced by sealArchive.
func openArchive(passphrase string, sealed []byte) ([]byte, error) {
	if len(sealed) < encryptionSaltSize+encryptionNonceSize {
		return nil, errors.New("encrypted archive too short")
	}
	salt := sealed[:encryptionSaltSize]
	nonce := sealed[encryptionSaltSize : encryptionSaltSize+encryptionNonceSize]
	gcm, err := archiveAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, sealed[encryptionSaltSize+encryptionNonceSize:], nil)
}
