package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"testing"
)

// encryptIntroPoints encrypts plaintext using the same scheme DecryptIntroPoints
// expects, for round-trip testing.
func encryptIntroPoints(plaintext []byte, cookie []byte) ([]byte, error) {
	padded := padPKCS7(plaintext, aes.BlockSize)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(cookie)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return append(append([]byte{}, iv...), ciphertext...), nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+pad)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded
}

func TestDecryptIntroPointsNoCookie(t *testing.T) {
	plaintext := []byte("introduction-point aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n")
	got, err := DecryptIntroPoints(plaintext, nil)
	if err != nil {
		t.Fatalf("DecryptIntroPoints: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptIntroPointsRoundTrip(t *testing.T) {
	plaintext := []byte("introduction-point aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n")
	cookie := make([]byte, 16)
	cookie[0] = 0x42

	encrypted, err := encryptIntroPoints(plaintext, cookie)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decrypted, err := DecryptIntroPoints(encrypted, cookie)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatalf("round-trip failed: got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptIntroPointsWrongCookie(t *testing.T) {
	plaintext := []byte("introduction-point aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n")
	cookie := make([]byte, 16)
	cookie[0] = 0x42

	encrypted, err := encryptIntroPoints(plaintext, cookie)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	wrongCookie := make([]byte, 16)
	wrongCookie[0] = 0xFF
	decrypted, err := DecryptIntroPoints(encrypted, wrongCookie)
	// A wrong key produces garbage plaintext; padding validation usually
	// (not always) catches it. Accept either outcome, but a coincidental
	// valid-looking pad must not reproduce the original plaintext.
	if err == nil && string(decrypted) == string(plaintext) {
		t.Fatal("wrong cookie should not decrypt to the original plaintext")
	}
}

func TestDecryptIntroPointsBadCookieLength(t *testing.T) {
	_, err := DecryptIntroPoints(make([]byte, 32), []byte("short"))
	if err == nil {
		t.Fatal("expected error for non-16-byte cookie")
	}
}

func TestDecryptIntroPointsTooShort(t *testing.T) {
	_, err := DecryptIntroPoints(make([]byte, 4), make([]byte, 16))
	if err == nil {
		t.Fatal("expected error for too-short blob")
	}
}
