package crypto_test

import (
	"bytes"
	"testing"

	"github.com/shopsync/shopsync/internal/crypto"
)

func TestKeyExchangeBothSidesAgree(t *testing.T) {
	alice, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	bob, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	secretA, err := crypto.ComputeSharedSecret(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("Failed to compute shared secret: %v", err)
	}
	secretB, err := crypto.ComputeSharedSecret(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("Failed to compute shared secret: %v", err)
	}

	if !bytes.Equal(secretA, secretB) {
		t.Error("Key exchange did not converge on one secret")
	}
	if bytes.Equal(alice.PublicKey, bob.PublicKey) {
		t.Error("Two key pairs share a public key")
	}
}

func TestComputeSharedSecretRejectsBadKeySizes(t *testing.T) {
	pair, _ := crypto.GenerateKeyPair()
	if _, err := crypto.ComputeSharedSecret(pair.PrivateKey[:16], pair.PublicKey); err == nil {
		t.Error("Expected error for short private key")
	}
	if _, err := crypto.ComputeSharedSecret(pair.PrivateKey, []byte("short")); err == nil {
		t.Error("Expected error for short public key")
	}
}

func TestPublicKeyEncodingRoundTrip(t *testing.T) {
	pair, _ := crypto.GenerateKeyPair()
	encoded := crypto.EncodePublicKey(pair.PublicKey)
	decoded, err := crypto.DecodePublicKey(encoded)
	if err != nil {
		t.Fatalf("Failed to decode public key: %v", err)
	}
	if !bytes.Equal(decoded, pair.PublicKey) {
		t.Error("Public key changed through encode/decode")
	}
	if _, err := crypto.DecodePublicKey("not base64 !!!"); err == nil {
		t.Error("Expected error decoding invalid key")
	}
}

func TestSessionKeyDerivationIsSymmetric(t *testing.T) {
	alice, _ := crypto.GenerateKeyPair()
	bob, _ := crypto.GenerateKeyPair()
	secretA, _ := crypto.ComputeSharedSecret(alice.PrivateKey, bob.PublicKey)
	secretB, _ := crypto.ComputeSharedSecret(bob.PrivateKey, alice.PublicKey)

	nonceA := []byte("nonce-from-alice")
	nonceB := []byte("nonce-from-bob..")

	// Both sides pass the initiator's nonce first, as the handshake does
	keyA, err := crypto.DeriveSessionKeyFromNonces(secretA, nonceA, nonceB)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	keyB, err := crypto.DeriveSessionKeyFromNonces(secretB, nonceA, nonceB)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	if !bytes.Equal(keyA, keyB) {
		t.Error("Both sides should derive the same session key")
	}

	// A different handshake yields a different key
	keyC, _ := crypto.DeriveSessionKeyFromNonces(secretA, []byte("other-nonce-aaaa"), nonceB)
	if bytes.Equal(keyA, keyC) {
		t.Error("Different nonces produced the same session key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, _ := crypto.GenerateKeyPair()
	bob, _ := crypto.GenerateKeyPair()
	secret, _ := crypto.ComputeSharedSecret(alice.PrivateKey, bob.PublicKey)
	key, _ := crypto.DeriveSessionKeyFromNonces(secret, []byte("na"), []byte("nb"))

	plaintext := []byte(`{"type":"event_batch","events":[{"record_id":"p1"}]}`)
	encrypted, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(encrypted.Ciphertext, []byte("event_batch")) {
		t.Error("Ciphertext leaks plaintext")
	}

	decrypted, err := crypto.Decrypt(encrypted, key)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("Round trip did not preserve the plaintext")
	}
}

func TestDecryptFailsWithWrongKey(t *testing.T) {
	keyA := bytes.Repeat([]byte{1}, 32)
	keyB := bytes.Repeat([]byte{2}, 32)

	encrypted, err := crypto.Encrypt([]byte("payload"), keyA)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := crypto.Decrypt(encrypted, keyB); err == nil {
		t.Error("Expected authentication failure with the wrong key")
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	encrypted, err := crypto.Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	encrypted.Ciphertext[0] ^= 0xff
	if _, err := crypto.Decrypt(encrypted, key); err == nil {
		t.Error("Expected authentication failure on tampered ciphertext")
	}
}

func TestChallengeResponse(t *testing.T) {
	auth := crypto.NewAuthenticator("store-42-secret")

	challenge, err := auth.GenerateChallenge()
	if err != nil {
		t.Fatalf("Failed to generate challenge: %v", err)
	}
	response, err := auth.GenerateResponse(challenge)
	if err != nil {
		t.Fatalf("Failed to generate response: %v", err)
	}
	if !auth.VerifyResponse(challenge, response) {
		t.Error("Valid response rejected")
	}

	// A node holding a different secret cannot answer the challenge
	impostor := crypto.NewAuthenticator("wrong-secret")
	badResponse, _ := impostor.GenerateResponse(challenge)
	if auth.VerifyResponse(challenge, badResponse) {
		t.Error("Response from wrong secret accepted")
	}

	// A replayed response fails against a fresh challenge
	fresh, _ := auth.GenerateChallenge()
	if auth.VerifyResponse(fresh, response) {
		t.Error("Replayed response accepted for a new challenge")
	}
}

func TestRegistrationKeyHashing(t *testing.T) {
	hash := crypto.HashRegistrationKey("store-42-secret")
	if hash == "store-42-secret" {
		t.Error("Hash must not be the raw secret")
	}
	if !crypto.VerifyRegistrationKeyHash("store-42-secret", hash) {
		t.Error("Correct secret rejected")
	}
	if crypto.VerifyRegistrationKeyHash("other-secret", hash) {
		t.Error("Wrong secret accepted")
	}

	if !crypto.CompareRegistrationKeyHashes(hash, crypto.HashRegistrationKey("store-42-secret")) {
		t.Error("Matching hashes rejected")
	}
	if crypto.CompareRegistrationKeyHashes(hash, crypto.HashRegistrationKey("other-secret")) {
		t.Error("Mismatched hashes accepted")
	}
}

func TestSecretEncodingRoundTrip(t *testing.T) {
	secret := []byte{0x01, 0xff, 0x42, 0x00, 0x99}
	encoded := crypto.EncodeSecret(secret)
	decoded, err := crypto.DecodeSecret(encoded)
	if err != nil {
		t.Fatalf("Failed to decode secret: %v", err)
	}
	if !bytes.Equal(decoded, secret) {
		t.Error("Secret changed through encode/decode")
	}
}
