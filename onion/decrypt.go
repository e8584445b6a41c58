package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// DecryptIntroPoints returns the plaintext introduction-points block from a
// descriptor's (possibly cookie-encrypted) blob. A public service publishes
// introduction-points in the clear; a restricted-discovery ("basic" auth)
// service prefixes it with a 16-byte IV and AES-128-CBC-encrypts the rest
// under the client's 16-byte descriptor cookie (torconfig's HidServAuth
// value for this service).
func DecryptIntroPoints(blob []byte, cookie []byte) ([]byte, error) {
	if len(cookie) == 0 {
		return blob, nil
	}
	if len(cookie) != 16 {
		return nil, fmt.Errorf("descriptor cookie must be 16 bytes, got %d", len(cookie))
	}
	if len(blob) < aes.BlockSize+1 || (len(blob)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted intro-points blob has invalid length %d", len(blob))
	}

	iv := blob[:aes.BlockSize]
	ciphertext := blob[aes.BlockSize:]

	block, err := aes.NewCipher(cookie)
	if err != nil {
		return nil, fmt.Errorf("AES cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpadPKCS7(plaintext)
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > len(data) || pad > aes.BlockSize {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid PKCS7 padding")
		}
	}
	return data[:len(data)-pad], nil
}
