package secrets

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}

	secret := "whsec_abcdef0123456789"
	enc, err := c.Encrypt(secret)
	if err != nil {
		t.Fatal(err)
	}
	if enc == secret {
		t.Fatal("Encrypt() returned plaintext")
	}

	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != secret {
		t.Errorf("Decrypt() = %q, want %q", dec, secret)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}

	a, _ := c.Encrypt("same input")
	b, _ := c.Encrypt("same input")
	if a == b {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestDecryptRejectsTampered(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}

	enc, _ := c.Encrypt("payload")
	if _, err := c.Decrypt(enc[:len(enc)-4] + "AAAA"); err == nil {
		t.Error("Decrypt() accepted tampered ciphertext")
	}
	if _, err := c.Decrypt("not base64!!"); err == nil {
		t.Error("Decrypt() accepted garbage input")
	}
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Error("NewCipher() accepted a short key")
	}
}
