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

package crypto

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/kirushik/parity/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddrHex = "970e8128ab834e8eac17ab8e3812f010678cf791"
var testPrivHex = "289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032"

func TestKeccak256Hash(t *testing.T) {
	msg := []byte("abc")
	exp, _ := hex.DecodeString("4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45")
	checkhash(t, "Keccak256", func(in []byte) []byte { h := Keccak256Hash(in); return h[:] }, msg, exp)
}

func TestKeccak256EmptyInput(t *testing.T) {
	exp, _ := hex.DecodeString("c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")
	if sum := Keccak256(); !bytes.Equal(sum, exp) {
		t.Errorf("empty keccak mismatch: got %x want %x", sum, exp)
	}
}

func checkhash(t *testing.T, name string, f func([]byte) []byte, msg, exp []byte) {
	sum := f(msg)
	if !bytes.Equal(exp, sum) {
		t.Fatalf("hash %s mismatch: want: %x have: %x", name, exp, sum)
	}
}

func TestSign(t *testing.T) {
	key, _ := HexToECDSA(testPrivHex)

	msg := Keccak256([]byte("foo"))
	sig, err := Sign(msg, key)
	require.NoError(t, err)

	recoveredPub, err := Ecrecover(msg, sig)
	require.NoError(t, err)
	pubKey, _ := UnmarshalPubkey(recoveredPub)
	assert.Equal(t, key.PublicKey, *pubKey)

	recoveredPub2, err := SigToPub(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey, *recoveredPub2)
}

func TestInvalidSign(t *testing.T) {
	if _, err := Sign(make([]byte, 1), nil); err == nil {
		t.Error("expected sign with hash 1 byte to error")
	}
	if _, err := Sign(make([]byte, 33), nil); err == nil {
		t.Error("expected sign with hash 33 byte to error")
	}
}

func TestUnmarshalPubkey(t *testing.T) {
	key, err := UnmarshalPubkey(nil)
	if err == nil || key != nil {
		t.Fatal("expected error for nil input")
	}

	key, err = UnmarshalPubkey([]byte{1, 2, 3})
	if err == nil || key != nil {
		t.Fatal("expected error for invalid input")
	}

	prv, _ := GenerateKey()
	enc := FromECDSAPub(&prv.PublicKey)
	key, err = UnmarshalPubkey(enc)
	require.NoError(t, err)
	assert.Equal(t, prv.PublicKey, *key)
}

func TestToECDSAErrors(t *testing.T) {
	if _, err := HexToECDSA("0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("HexToECDSA should've returned error")
	}
	if _, err := HexToECDSA("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"); err == nil {
		t.Fatal("HexToECDSA should've returned error")
	}
}

func TestLoadECDSA(t *testing.T) {
	key, err := HexToECDSA(testPrivHex)
	require.NoError(t, err)
	if have := hex.EncodeToString(FromECDSA(key)); have != testPrivHex {
		t.Errorf("private key mismatch: have %s want %s", have, testPrivHex)
	}
}

func TestValidateSignatureValues(t *testing.T) {
	check := func(expected bool, v byte, r, s *big.Int) {
		if ValidateSignatureValues(v, r, s) != expected {
			t.Errorf("mismatch for v: %d r: %v s: %v want: %v", v, r, s, expected)
		}
	}
	minusOne := big.NewInt(-1)
	one := common.Big1
	zero := common.Big0
	secp256k1nMinus1 := new(big.Int).Sub(secp256k1N, common.Big1)

	// correct v,r,s
	check(true, 0, one, one)
	check(true, 1, one, one)
	// incorrect v, correct r,s,
	check(false, 2, one, one)
	check(false, 3, one, one)

	// incorrect v, combinations of incorrect/correct r,s at lower limit
	check(false, 2, zero, zero)
	check(false, 2, zero, one)
	check(false, 2, one, zero)
	check(false, 2, one, one)

	// correct v for any combination of incorrect r,s
	check(false, 0, zero, zero)
	check(false, 0, zero, one)
	check(false, 0, one, zero)

	check(false, 1, zero, zero)
	check(false, 1, zero, one)
	check(false, 1, one, zero)

	// correct sig with max r,s
	check(true, 0, secp256k1nMinus1, secp256k1nMinus1)
	// correct v, combinations of incorrect r,s at upper limit
	check(false, 0, secp256k1N, secp256k1nMinus1)
	check(false, 0, secp256k1nMinus1, secp256k1N)
	check(false, 0, secp256k1N, secp256k1N)

	// current callers ensures r,s cannot be negative, but let's test for that too
	// as crypto package could be used stand-alone
	check(false, 0, minusOne, one)
	check(false, 0, one, minusOne)
}

func TestCompressDecompressPubkey(t *testing.T) {
	prv, _ := GenerateKey()
	compressed := CompressPubkey(&prv.PublicKey)
	if len(compressed) != 33 {
		t.Fatalf("wrong compressed length %d", len(compressed))
	}
	pub, err := DecompressPubkey(compressed)
	require.NoError(t, err)
	assert.Equal(t, prv.PublicKey, *pub)
}
