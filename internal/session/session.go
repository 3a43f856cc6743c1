// Package session implements the two secret-transfer transports a client
// can negotiate over OpenSession: plaintext passthrough, and
// dh-ietf1024-sha256-aes128-cbc-pkcs7 Diffie-Hellman key agreement with
// HKDF-SHA256 derivation and AES-128-CBC/PKCS#7 bulk encryption.
package session

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"

	"github.com/grimsteel/pass-secret-service/internal/dbuserr"
)

// Algorithm names as negotiated by OpenSession.
const (
	AlgPlain = "plain"
	AlgDH    = "dh-ietf1024-sha256-aes128-cbc-pkcs7"
)

const groupByteLen = 128 // 1024 bits

// dhSecondOakleyPrime is the RFC 2409 §6.2 Second Oakley Group modulus.
var dhSecondOakleyPrime = new(big.Int).SetBytes([]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xC9, 0x0F, 0xDA, 0xA2, 0x21, 0x68, 0xC2,
	0x34, 0xC4, 0xC6, 0x62, 0x8B, 0x80, 0xDC, 0x1C, 0xD1, 0x29, 0x02, 0x4E, 0x08, 0x8A, 0x67,
	0xCC, 0x74, 0x02, 0x0B, 0xBE, 0xA6, 0x3B, 0x13, 0x9B, 0x22, 0x51, 0x4A, 0x08, 0x79, 0x8E,
	0x34, 0x04, 0xDD, 0xEF, 0x95, 0x19, 0xB3, 0xCD, 0x3A, 0x43, 0x1B, 0x30, 0x2B, 0x0A, 0x6D,
	0xF2, 0x5F, 0x14, 0x37, 0x4F, 0xE1, 0x35, 0x6D, 0x6D, 0x51, 0xC2, 0x45, 0xE4, 0x85, 0xB5,
	0x76, 0x62, 0x5E, 0x7E, 0xC6, 0xF4, 0x4C, 0x42, 0xE9, 0xA6, 0x37, 0xED, 0x6B, 0x0B, 0xFF,
	0x5C, 0xB6, 0xF4, 0x06, 0xB7, 0xED, 0xEE, 0x38, 0x6B, 0xFB, 0x5A, 0x89, 0x9F, 0xA5, 0xAE,
	0x9F, 0x24, 0x11, 0x7C, 0x4B, 0x1F, 0xE6, 0x49, 0x28, 0x66, 0x51, 0xEC, 0xE6, 0x53, 0x81,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
})

var dhGenerator = big.NewInt(2)

// Transport is the negotiated-algorithm interface used by the D-Bus
// object graph to move a secret's payload across the bus.
type Transport interface {
	// Encrypt produces the (parameters, value, content-type) triple of
	// an outbound Secret from a plaintext payload.
	Encrypt(plain []byte) (parameters, value []byte, contentType string, err error)
	// Decrypt recovers the plaintext payload from an inbound Secret's
	// parameters and value.
	Decrypt(parameters, value []byte) ([]byte, error)
}

// Plain is the passthrough transport negotiated by OpenSession("plain", ...).
type Plain struct{}

// Encrypt returns value unchanged, with empty parameters.
func (Plain) Encrypt(plain []byte) ([]byte, []byte, string, error) {
	return []byte{}, plain, "text/plain", nil
}

// Decrypt returns value unchanged.
func (Plain) Decrypt(_ []byte, value []byte) ([]byte, error) {
	return value, nil
}

// DH is the dh-ietf1024-sha256-aes128-cbc-pkcs7 transport.
type DH struct {
	serverPriv *big.Int
	aesKey     []byte // 16 bytes, derived via HKDF-SHA256
}

// NewDH generates a server DH keypair, derives the shared AES-128 key
// from the client's public value, and returns the transport alongside
// the server's public value (big-endian, left-padded to 128 bytes) to
// send back to the client as OpenSession's extra output.
func NewDH(clientPublic []byte) (serverPublic []byte, transport *DH, err error) {
	priv, err := rand.Int(rand.Reader, dhSecondOakleyPrime)
	if err != nil {
		return nil, nil, dbuserr.Wrap(dbuserr.KindEncryptionError, "generate DH private exponent", err)
	}
	// The exponent is drawn uniformly from [0, p); a zero draw is
	// replaced with 1 so the exponent is never zero.
	if priv.Sign() == 0 {
		priv.SetInt64(1)
	}

	pub := new(big.Int).Exp(dhGenerator, priv, dhSecondOakleyPrime)

	clientPub := new(big.Int).SetBytes(clientPublic)
	shared := new(big.Int).Exp(clientPub, priv, dhSecondOakleyPrime)

	aesKey, err := deriveAESKey(leftPad(shared.Bytes(), groupByteLen))
	if err != nil {
		return nil, nil, err
	}

	return leftPad(pub.Bytes(), groupByteLen), &DH{serverPriv: priv, aesKey: aesKey}, nil
}

func deriveAESKey(sharedSecret []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, sharedSecret, nil, nil)
	key := make([]byte, 16)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindEncryptionError, "derive AES key", err)
	}
	return key, nil
}

func leftPad(b []byte, length int) []byte {
	if len(b) >= length {
		return b[len(b)-length:]
	}
	out := make([]byte, length)
	copy(out[length-len(b):], b)
	return out
}

// Encrypt encrypts plain with a fresh random IV under AES-128-CBC with
// PKCS#7 padding, returning the IV as parameters.
func (d *DH) Encrypt(plain []byte) (parameters, value []byte, contentType string, err error) {
	block, err := aes.NewCipher(d.aesKey)
	if err != nil {
		return nil, nil, "", dbuserr.Wrap(dbuserr.KindEncryptionError, "init AES cipher", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, "", dbuserr.Wrap(dbuserr.KindEncryptionError, "generate IV", err)
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	return iv, ciphertext, "text/plain", nil
}

// Decrypt treats parameters as the IV and strips PKCS#7 padding after
// AES-128-CBC decryption.
func (d *DH) Decrypt(parameters, value []byte) ([]byte, error) {
	if len(parameters) != aes.BlockSize {
		return nil, dbuserr.New(dbuserr.KindEncryptionError, "invalid IV length")
	}
	if len(value) == 0 || len(value)%aes.BlockSize != 0 {
		return nil, dbuserr.New(dbuserr.KindEncryptionError, "invalid ciphertext length")
	}

	block, err := aes.NewCipher(d.aesKey)
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindEncryptionError, "init AES cipher", err)
	}

	plain := make([]byte, len(value))
	cbc := cipher.NewCBCDecrypter(block, parameters)
	cbc.CryptBlocks(plain, value)

	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, dbuserr.New(dbuserr.KindEncryptionError, "empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, dbuserr.New(dbuserr.KindEncryptionError, "invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, dbuserr.New(dbuserr.KindEncryptionError, "invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
