package hlsfetch

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// encryptAES128CBC pads plaintext with PKCS#7 and encrypts it, the inverse
// of Decrypt.
func encryptAES128CBC(t *testing.T, plaintext, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...),
		bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

// TestDecryptRoundTrip verifies decrypt(encrypt(P)) == P for a range of
// plaintext lengths, including ones landing exactly on block boundaries.
func TestDecryptRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

	for _, size := range []int{0, 1, 15, 16, 17, 1000} {
		plaintext := bytes.Repeat([]byte{0xAB}, size)
		ciphertext := encryptAES128CBC(t, plaintext, key, iv)
		got, err := Decrypt(ciphertext, key, iv)
		if err != nil {
			t.Fatalf("Decrypt(size=%d) error: %v", size, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decrypt(size=%d) round trip mismatch", size)
		}
	}
}

// TestDecryptErrors verifies the fatal decrypt error conditions.
func TestDecryptErrors(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)

	valid := encryptAES128CBC(t, []byte("payload"), key, iv)

	// A block whose plaintext ends in 0x00 can never carry valid padding.
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	badPadding := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(badPadding, make([]byte, 16))

	tests := []struct {
		name string
		data []byte
		key  []byte
		iv   []byte
	}{
		{"short key", valid, []byte("short"), iv},
		{"long key", valid, append(key, 'x'), iv},
		{"bad iv", valid, key, make([]byte, 8)},
		{"unaligned data", valid[:15], key, iv},
		{"empty data", nil, key, iv},
		{"bad padding", badPadding, key, iv},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.data, tt.key, tt.iv)
			var derr *DecryptError
			if !errors.As(err, &derr) {
				t.Fatalf("Decrypt() error = %v, want DecryptError", err)
			}
		})
	}
}

// TestDecryptorKeyCache verifies the one-slot cache: same key URI never
// refetches, a different URI replaces the slot.
func TestDecryptorKeyCache(t *testing.T) {
	keys := map[string][]byte{
		"http://k/1": []byte("0123456789abcdef"),
		"http://k/2": []byte("fedcba9876543210"),
	}
	fetches := 0
	d := NewDecryptor(testLogger(), func(uri string) ([]byte, error) {
		fetches++
		key, ok := keys[uri]
		if !ok {
			return nil, fmt.Errorf("unknown key %s", uri)
		}
		return key, nil
	})

	iv := make([]byte, 16)
	fragFor := func(keyURI string, plaintext []byte) *Fragment {
		frag := newFragment("http://media/a.ts")
		frag.KeyURI = keyURI
		frag.Payload = encryptAES128CBC(t, plaintext, keys[keyURI], iv)
		return frag
	}

	steps := []struct {
		keyURI      string
		plaintext   string
		wantFetches int
	}{
		{"http://k/1", "first", 1},
		{"http://k/1", "second", 1}, // cached
		{"http://k/2", "third", 2},  // slot replaced
		{"http://k/2", "fourth", 2},
		{"http://k/1", "fifth", 3}, // replaced again
	}
	for i, st := range steps {
		got, err := d.DecryptFragment(fragFor(st.keyURI, []byte(st.plaintext)))
		if err != nil {
			t.Fatalf("step %d: DecryptFragment error: %v", i, err)
		}
		if string(got) != st.plaintext {
			t.Errorf("step %d: payload = %q, want %q", i, got, st.plaintext)
		}
		if fetches != st.wantFetches {
			t.Errorf("step %d: key fetches = %d, want %d", i, fetches, st.wantFetches)
		}
	}
}

// TestDecryptorKeyLength verifies a key body that is not exactly 16 bytes is
// a DecryptError and does not poison the cache slot.
func TestDecryptorKeyLength(t *testing.T) {
	served := []byte("too-short")
	fetches := 0
	d := NewDecryptor(testLogger(), func(uri string) ([]byte, error) {
		fetches++
		return served, nil
	})

	frag := newFragment("http://media/a.ts")
	frag.KeyURI = "http://k/bad"
	frag.Payload = make([]byte, 16)

	var derr *DecryptError
	if _, err := d.DecryptFragment(frag); !errors.As(err, &derr) {
		t.Fatalf("DecryptFragment() error = %v, want DecryptError", err)
	}

	// A later valid key body for the same URI must be fetched again.
	served = []byte("0123456789abcdef")
	frag.Payload = encryptAES128CBC(t, []byte("ok"), served, make([]byte, 16))
	got, err := d.DecryptFragment(frag)
	if err != nil {
		t.Fatalf("DecryptFragment() after recovery error: %v", err)
	}
	if string(got) != "ok" {
		t.Errorf("payload = %q, want %q", got, "ok")
	}
	if fetches != 2 {
		t.Errorf("key fetches = %d, want 2", fetches)
	}
}

// TestDecryptorZeroIV verifies a fragment without an explicit IV decrypts
// with an all-zero IV.
func TestDecryptorZeroIV(t *testing.T) {
	key := []byte("0123456789abcdef")
	d := NewDecryptor(testLogger(), func(string) ([]byte, error) { return key, nil })

	frag := newFragment("http://media/a.ts")
	frag.KeyURI = "http://k/1"
	frag.Payload = encryptAES128CBC(t, []byte("zero-iv"), key, make([]byte, 16))

	got, err := d.DecryptFragment(frag)
	if err != nil {
		t.Fatalf("DecryptFragment() error: %v", err)
	}
	if string(got) != "zero-iv" {
		t.Errorf("payload = %q, want %q", got, "zero-iv")
	}
}
