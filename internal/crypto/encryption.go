package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	// IVSize is the size of the initialization vector for AES-GCM (96 bits = 12 bytes)
	IVSize = 12
	// TagSize is the size of the GCM authentication tag (128 bits = 16 bytes)
	TagSize = 16
	// KeySizeAES is the size of AES-256 keys (256 bits = 32 bytes)
	KeySizeAES = 32
)

// EncryptedMessage represents an encrypted message payload
type EncryptedMessage struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// Encrypt encrypts data using AES-256-GCM
func Encrypt(plaintext []byte, key []byte) (*EncryptedMessage, error) {
	if len(key) != KeySizeAES {
		return nil, fmt.Errorf("invalid key size: %d (expected %d)", len(key), KeySizeAES)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, iv, plaintext, nil)

	tag := ciphertext[len(ciphertext)-TagSize:]
	ciphertextOnly := ciphertext[:len(ciphertext)-TagSize]

	return &EncryptedMessage{
		IV:         iv,
		Ciphertext: ciphertextOnly,
		Tag:        tag,
	}, nil
}

// Decrypt decrypts data using AES-256-GCM
func Decrypt(msg *EncryptedMessage, key []byte) ([]byte, error) {
	if len(key) != KeySizeAES {
		return nil, fmt.Errorf("invalid key size: %d (expected %d)", len(key), KeySizeAES)
	}
	if len(msg.IV) != IVSize {
		return nil, fmt.Errorf("invalid IV size: %d (expected %d)", len(msg.IV), IVSize)
	}
	if len(msg.Tag) != TagSize {
		return nil, fmt.Errorf("invalid tag size: %d (expected %d)", len(msg.Tag), TagSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	ciphertext := append(msg.Ciphertext, msg.Tag...)

	plaintext, err := aesGCM.Open(nil, msg.IV, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// DeriveSessionKey derives a session key from a shared secret using HKDF
func DeriveSessionKey(sharedSecret []byte, salt []byte, info []byte) ([]byte, error) {
	hkdf := hkdf.New(sha3.New256, sharedSecret, salt, info)
	sessionKey := make([]byte, KeySizeAES)
	if _, err := io.ReadFull(hkdf, sessionKey); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return sessionKey, nil
}

// DeriveSessionKeyFromNonces derives a session key from a shared secret and
// the nonces both nodes exchanged during the hello handshake
func DeriveSessionKeyFromNonces(sharedSecret []byte, nonceA, nonceB []byte) ([]byte, error) {
	info := append([]byte("shopsync-session"), nonceA...)
	info = append(info, nonceB...)

	salt := append(nonceA, nonceB...)

	return DeriveSessionKey(sharedSecret, salt, info)
}
