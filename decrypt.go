package hlsfetch

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"log/slog"
)

// KeyFetchFunc retrieves the raw bytes of an encryption key resource.
type KeyFetchFunc func(uri string) ([]byte, error)

// Decryptor decrypts AES-128-CBC fragments and strips their PKCS#7 padding.
// It caches at most one key: as long as fragments declare the same key URI
// no network round trip is made. Only the streaming task touches it.
type Decryptor struct {
	logger   *slog.Logger
	fetchKey KeyFetchFunc

	keyURI string
	key    []byte
}

// NewDecryptor creates a decryptor with an empty key slot.
func NewDecryptor(logger *slog.Logger, fetchKey KeyFetchFunc) *Decryptor {
	return &Decryptor{logger: logger, fetchKey: fetchKey}
}

// DecryptFragment returns the decrypted, unpadded payload of frag.
func (d *Decryptor) DecryptFragment(frag *Fragment) ([]byte, error) {
	key, err := d.keyFor(frag.KeyURI)
	if err != nil {
		return nil, err
	}
	iv := frag.IV
	if iv == nil {
		iv = make([]byte, aes.BlockSize)
	}
	return Decrypt(frag.Payload, key, iv)
}

// keyFor resolves the key bytes for uri, from the one-slot cache or by
// fetching and installing a new slot.
func (d *Decryptor) keyFor(uri string) ([]byte, error) {
	if d.key != nil && d.keyURI == uri {
		return d.key, nil
	}
	d.logger.Debug("Fetching encryption key", "uri", uri)
	data, err := d.fetchKey(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to download encryption key: %w", err)
	}
	if len(data) != 16 {
		return nil, &DecryptError{Reason: fmt.Sprintf("invalid key length: expected 16 bytes, got %d", len(data))}
	}
	d.keyURI = uri
	d.key = data
	return data, nil
}

// Decrypt runs AES-128-CBC over data and strips PKCS#7 padding.
func Decrypt(data, key, iv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, &DecryptError{Reason: fmt.Sprintf("invalid key length: %d", len(key))}
	}
	if len(iv) != aes.BlockSize {
		return nil, &DecryptError{Reason: fmt.Sprintf("invalid IV length: %d", len(iv))}
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, &DecryptError{Reason: "data length not aligned to block size"}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &DecryptError{Reason: err.Error()}
	}
	decrypted := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, data)
	return removePKCS7Padding(decrypted)
}

// removePKCS7Padding strips and validates PKCS#7 padding.
func removePKCS7Padding(data []byte) ([]byte, error) {
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, &DecryptError{Reason: fmt.Sprintf("invalid padding length: %d", padLen)}
	}
	for i := len(data) - padLen; i < len(data); i++ {
		if data[i] != byte(padLen) {
			return nil, &DecryptError{Reason: "inconsistent padding bytes"}
		}
	}
	return data[:len(data)-padLen], nil
}
