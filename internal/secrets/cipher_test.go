package secrets

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("NewCipher() error: %v", err)
	}

	plaintext := []byte("api-key-material")
	blob, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if bytes.Contains(blob, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := c.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}

	// Fresh nonces: two seals of the same plaintext differ.
	blob2, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(blob, blob2) {
		t.Error("two encryptions produced identical blobs")
	}
}

func TestCipherRejectsTamper(t *testing.T) {
	c, _ := NewCipher(testKey())
	blob, err := c.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := c.Decrypt(blob); err == nil {
		t.Fatal("tampered blob decrypted")
	}
}

func TestCipherRejectsBadKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestCipherRejectsTruncatedBlob(t *testing.T) {
	c, _ := NewCipher(testKey())
	if _, err := c.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Fatal("truncated blob decrypted")
	}
}
