// Package crypto seals and opens return receipts. A sealed receipt is a random 24 byte nonce
// followed by the XChaCha20-Poly1305 ciphertext of the plaintext under the receipt key.
package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"golang.org/x/crypto/chacha20poly1305"
)

const ReceiptNonceSize = 16

var ErrShortPayload = errors.New("crypto: payload too short")

// NewReceiptKey makes a key for a new send operation.
func NewReceiptKey() []byte {
	k := nacl.NewKey()
	return k[:]
}

// NewReceiptNonce makes the value receipts are looked up by.
func NewReceiptNonce() []byte {
	n := make([]byte, ReceiptNonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, n); err != nil {
		panic("short read from random source")
	}
	return n
}

func SealReceipt(key, plaintext []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: error making cipher: %w", err)
	}
	nonce := nacl.NewNonce()
	return cipher.Seal(append([]byte{}, nonce[:]...), nonce[:], plaintext, nil), nil
}

func OpenReceipt(key, payload []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: error making cipher: %w", err)
	}
	if len(payload) < chacha20poly1305.NonceSizeX+cipher.Overhead() {
		return nil, ErrShortPayload
	}
	return cipher.Open(nil, payload[:chacha20poly1305.NonceSizeX], payload[chacha20poly1305.NonceSizeX:], nil)
}

// ReceiptCipher opens receipts sealed with SealReceipt.
type ReceiptCipher struct{}

func (ReceiptCipher) Decrypt(key, payload []byte) ([]byte, error) {
	return OpenReceipt(key, payload)
}
