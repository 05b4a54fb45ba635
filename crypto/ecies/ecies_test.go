// Copyright 2016 The parity Authors
// This file is part of the parity library.
//
// The parity library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The parity library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the parity library. If not, see <http://www.gnu.org/licenses/>.

package ecies

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/kirushik/parity/crypto"
)

// Validate the ECDH component.
func TestSharedKey(t *testing.T) {
	prv1, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}
	skLen := MaxSharedKeyLength(&prv1.PublicKey) / 2

	prv2, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}

	sk1, err := prv1.GenerateShared(&prv2.PublicKey, skLen, skLen)
	if err != nil {
		t.Fatal(err)
	}

	sk2, err := prv2.GenerateShared(&prv1.PublicKey, skLen, skLen)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(sk1, sk2) {
		t.Fatal("ecdh: shared keys don't match")
	}
}

// Verify that the key generation code fails when too much key data is
// requested.
func TestTooBigSharedKey(t *testing.T) {
	prv1, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}
	prv2, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}

	if _, err = prv1.GenerateShared(&prv2.PublicKey, 32, 32); err != ErrSharedKeyTooBig {
		t.Fatal("ecdh: shared key should be too large for curve")
	}
	if _, err = prv2.GenerateShared(&prv1.PublicKey, 32, 32); err != ErrSharedKeyTooBig {
		t.Fatal("ecdh: shared key should be too large for curve")
	}
}

// Verify that an encrypted message can be successfully decrypted.
func TestEncryptDecrypt(t *testing.T) {
	prv1, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}
	prv2, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}

	message := []byte("Hello, world.")
	ct, err := Encrypt(rand.Reader, &prv2.PublicKey, message, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	pt, err := prv2.Decrypt(ct, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(pt, message) {
		t.Fatal("ecies: plaintext doesn't match message")
	}

	if _, err = prv1.Decrypt(ct, nil, nil); err == nil {
		t.Fatal("ecies: encryption should not have succeeded")
	}
}

// Verify that the overhead constant matches what Encrypt produces.
func TestOverhead(t *testing.T) {
	prv, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}
	message := make([]byte, 100)
	ct, err := Encrypt(rand.Reader, &prv.PublicKey, message, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ct) != len(message)+Overhead {
		t.Fatalf("ciphertext length %d, want %d", len(ct), len(message)+Overhead)
	}
}

// Verify that decryption fails if the message is tampered with.
func TestDecryptShared2(t *testing.T) {
	prv, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}
	message := []byte("hello world")
	shared2 := []byte("shared data 2")
	ct, err := Encrypt(rand.Reader, &prv.PublicKey, message, nil, shared2)
	if err != nil {
		t.Fatal(err)
	}

	// Check that decrypting with correct shared data works.
	pt, err := prv.Decrypt(ct, nil, shared2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, message) {
		t.Fatal("ecies: plaintext doesn't match message")
	}

	// Decrypting without shared data or incorrect shared data fails.
	if _, err = prv.Decrypt(ct, nil, nil); err == nil {
		t.Fatal("ecies: decrypting without shared data didn't fail")
	}
	if _, err = prv.Decrypt(ct, nil, []byte("garbage")); err == nil {
		t.Fatal("ecies: decrypting with incorrect shared data didn't fail")
	}
}

func TestTamperedCiphertext(t *testing.T) {
	prv, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}
	message := []byte("tamper me")
	ct, err := Encrypt(rand.Reader, &prv.PublicKey, message, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0x01
	if _, err := prv.Decrypt(ct, nil, nil); err == nil {
		t.Fatal("ecies: decrypting tampered ciphertext didn't fail")
	}
}

func TestTruncatedCiphertext(t *testing.T) {
	prv, err := GenerateKey(rand.Reader, crypto.S256())
	if err != nil {
		t.Fatal(err)
	}
	ct, err := Encrypt(rand.Reader, &prv.PublicKey, []byte("short"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Keep the key prefix but cut the symmetric part below one AES block.
	short := append([]byte{}, ct[:pubkeyLen]...)
	short = append(short, make([]byte, aes.BlockSize-1+sha256.Size)...)
	if _, err := prv.Decrypt(short, nil, nil); err != ErrInvalidMessage {
		t.Fatalf("ecies: truncated ciphertext: have %v, want %v", err, ErrInvalidMessage)
	}
}
