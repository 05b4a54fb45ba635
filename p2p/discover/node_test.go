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

package discover

import (
	"crypto/rand"
	"net"
	"strings"
	"testing"

	"github.com/kirushik/parity/common"
	"github.com/kirushik/parity/crypto"
)

var parseNodeTests = []struct {
	rawurl     string
	wantError  string
	wantResult *Node
}{
	{
		rawurl:    "http://foobar",
		wantError: `invalid URL scheme, want "enode"`,
	},
	{
		rawurl:    "enode://01010101@123.124.125.126:3",
		wantError: `invalid node ID (wrong length, want 128 hex chars)`,
	},
	{
		// no port
		rawurl:    "enode://1dd9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c64a5c8d659f51fcd51bace24351232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439@127.0.0.1",
		wantError: `invalid host`,
	},
	{
		// bad port
		rawurl:    "enode://1dd9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c64a5c8d659f51fcd51bace24351232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439@127.0.0.1:foo",
		wantError: `invalid port`,
	},
	{
		// bad discport
		rawurl:    "enode://1dd9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c64a5c8d659f51fcd51bace24351232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439@127.0.0.1:3?discport=foo",
		wantError: `invalid discport in query`,
	},
	{
		rawurl: "enode://1dd9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c64a5c8d659f51fcd51bace24351232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439@127.0.0.1:52150",
		wantResult: NewNode(
			MustHexID("1dd9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c64a5c8d659f51fcd51bace24351232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439"),
			net.IP{127, 0, 0, 1},
			52150,
			52150,
		),
	},
	{
		rawurl: "enode://1dd9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c64a5c8d659f51fcd51bace24351232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439@127.0.0.1:52150?discport=22334",
		wantResult: NewNode(
			MustHexID("1dd9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c64a5c8d659f51fcd51bace24351232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439"),
			net.IP{127, 0, 0, 1},
			22334,
			52150,
		),
	},
}

func TestParseNode(t *testing.T) {
	for _, test := range parseNodeTests {
		n, err := ParseNode(test.rawurl)
		if test.wantError != "" {
			if err == nil {
				t.Errorf("test %q:\n  got nil error, expected %#q", test.rawurl, test.wantError)
				continue
			} else if !strings.Contains(err.Error(), test.wantError) {
				t.Errorf("test %q:\n  got error %#q, expected %#q", test.rawurl, err.Error(), test.wantError)
				continue
			}
		} else {
			if err != nil {
				t.Errorf("test %q:\n  unexpected error: %v", test.rawurl, err)
				continue
			}
			if n.ID != test.wantResult.ID || !n.IP.Equal(test.wantResult.IP) ||
				n.UDP != test.wantResult.UDP || n.TCP != test.wantResult.TCP {
				t.Errorf("test %q:\n  result mismatch:\ngot:  %#v\nwant: %#v", test.rawurl, n, test.wantResult)
			}
		}
	}
}

func TestNodeString(t *testing.T) {
	for _, test := range parseNodeTests {
		if test.wantError != "" {
			continue
		}
		str := test.wantResult.String()
		n, err := ParseNode(str)
		if err != nil {
			t.Errorf("parsing %q failed: %v", str, err)
			continue
		}
		if n.ID != test.wantResult.ID {
			t.Errorf("String/ParseNode roundtrip changed the ID: %q", str)
		}
	}
}

func TestHexID(t *testing.T) {
	id1 := MustHexID("0x00000000000000806ad9b61fa5ae014307ebdc964253adcd9f2c0a392aa1ccfa36c62d9b87040400000000000000000000000000000000000000000000000000")
	id2 := MustHexID("00000000000000806ad9b61fa5ae014307ebdc964253adcd9f2c0a392aa1ccfa36c62d9b87040400000000000000000000000000000000000000000000000000")

	if id1 != id2 {
		t.Errorf("0x prefix changed the result")
	}

	if _, err := HexID("woofwoof"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := HexID("01"); err == nil {
		t.Error("expected error for short input")
	}
}

func TestNodeID_pubkeyRoundtrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	id := PubkeyID(&key.PublicKey)
	pub, err := id.Pubkey()
	if err != nil {
		t.Fatalf("Pubkey error: %v", err)
	}
	if pub.X.Cmp(key.PublicKey.X) != 0 || pub.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Error("Pubkey returned wrong public key")
	}
}

func TestNodeID_recover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hash := crypto.Keccak256([]byte("sign me"))
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		t.Fatal(err)
	}
	id, err := recoverNodeID(hash, sig)
	if err != nil {
		t.Fatalf("recoverNodeID error: %v", err)
	}
	if id != PubkeyID(&key.PublicKey) {
		t.Error("recovered wrong node ID")
	}
}

func TestNodeID_distcmp(t *testing.T) {
	a := common.Hash{0, 0, 0, 1}
	b := common.Hash{0, 0, 0, 2}
	target := common.Hash{}

	if distcmp(target, a, b) >= 0 {
		t.Error("expected a closer than b")
	}
	if distcmp(target, b, a) <= 0 {
		t.Error("expected b farther than a")
	}
	if distcmp(target, a, a) != 0 {
		t.Error("expected equal distance")
	}
}

func TestNodeID_logdist(t *testing.T) {
	var zero common.Hash
	if logdist(zero, zero) != 0 {
		t.Error("logdist of equal hashes should be 0")
	}

	a := common.Hash{0x80}
	if d := logdist(zero, a); d != 256 {
		t.Errorf("logdist with top bit set: have %d, want 256", d)
	}
	b := common.Hash{0, 0x01}
	if d := logdist(zero, b); d != 241 {
		t.Errorf("logdist: have %d, want 241", d)
	}
}

func TestHashAtDistance(t *testing.T) {
	var a common.Hash
	rand.Read(a[:])
	for d := 1; d <= 256; d += 17 {
		b := hashAtDistance(a, d)
		if logdist(a, b) != d {
			t.Errorf("hashAtDistance(%d): logdist is %d", d, logdist(a, b))
		}
	}
}

func TestNodeID_textEncoding(t *testing.T) {
	id := MustHexID("1dd9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c64a5c8d659f51fcd51bace24351232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439")
	if have := id.String(); have != "1dd9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c64a5c8d659f51fcd51bace24351232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439" {
		t.Errorf("String mismatch: %s", have)
	}
	if len(id.TerminalString()) != 16 {
		t.Errorf("TerminalString has wrong length: %q", id.TerminalString())
	}
}
