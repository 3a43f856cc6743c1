package session

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"testing"
)

func TestPlainRoundTrip(t *testing.T) {
	var p Plain
	params, value, contentType, err := p.Encrypt([]byte("hunter2"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(params) != 0 {
		t.Errorf("parameters = %v, want empty", params)
	}
	if contentType != "text/plain" {
		t.Errorf("contentType = %q, want text/plain", contentType)
	}
	got, err := p.Decrypt(params, value)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, []byte("hunter2")) {
		t.Errorf("Decrypt() = %q, want %q", got, "hunter2")
	}
}

func TestDHRoundTrip(t *testing.T) {
	// Act as the client: generate our own exponent and public value the
	// way a real Secret Service client would.
	clientPriv, err := rand.Int(rand.Reader, dhSecondOakleyPrime)
	if err != nil {
		t.Fatalf("generate client exponent: %v", err)
	}
	clientPub := new(big.Int).Exp(dhGenerator, clientPriv, dhSecondOakleyPrime)

	serverPub, server, err := NewDH(leftPad(clientPub.Bytes(), groupByteLen))
	if err != nil {
		t.Fatalf("NewDH: %v", err)
	}
	if len(serverPub) != groupByteLen {
		t.Fatalf("server public value length = %d, want %d", len(serverPub), groupByteLen)
	}

	// Derive the client's view of the shared key the way the spec's
	// scenario 3 describes.
	serverPubInt := new(big.Int).SetBytes(serverPub)
	shared := new(big.Int).Exp(serverPubInt, clientPriv, dhSecondOakleyPrime)
	clientKey, err := deriveAESKey(leftPad(shared.Bytes(), groupByteLen))
	if err != nil {
		t.Fatalf("derive client key: %v", err)
	}
	if !bytes.Equal(clientKey, server.aesKey) {
		t.Fatalf("client and server derived different AES keys")
	}

	plain := []byte("hunter2")
	params, value, _, err := server.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := server.Decrypt(params, value)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip = %q, want %q", got, plain)
	}
}

func TestDHDecryptRejectsBadPadding(t *testing.T) {
	_, server, err := NewDH(leftPad(big.NewInt(2).Bytes(), groupByteLen))
	if err != nil {
		t.Fatalf("NewDH: %v", err)
	}
	iv := make([]byte, 16)
	bad := make([]byte, 16) // one block of garbage ciphertext
	if _, err := server.Decrypt(iv, bad); err == nil {
		t.Error("Decrypt() with garbage ciphertext should usually fail padding validation")
	}

	if _, err := server.Decrypt(iv[:8], bad); err == nil {
		t.Error("Decrypt() with short IV should fail")
	}
	if _, err := server.Decrypt(iv, bad[:3]); err == nil {
		t.Error("Decrypt() with misaligned ciphertext should fail")
	}
}

func TestLeftPad(t *testing.T) {
	cases := []struct {
		in   []byte
		want int
	}{
		{[]byte{1, 2, 3}, 8},
		{[]byte{1, 2, 3, 4, 5, 6, 7, 8}, 8},
		{[]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, 8},
	}
	for _, c := range cases {
		got := leftPad(c.in, c.want)
		if len(got) != c.want {
			t.Errorf("leftPad(%v, %d) length = %d, want %d", c.in, c.want, len(got), c.want)
		}
	}
}
