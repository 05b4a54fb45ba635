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

package p2p

import (
	"bytes"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/kirushik/parity/rlp"
)

func TestExpectMsg(t *testing.T) {
	rw1, rw2 := MsgPipe()
	defer rw1.Close()

	go func() {
		if err := ExpectMsg(rw1, 52, []interface{}{uint(1)}); err == nil {
			t.Error("expected mismatch error for wrong code")
		}
		if err := ExpectMsg(rw1, 23, []interface{}{uint(1), uint(2), uint(3)}); err == nil {
			t.Error("expected mismatch error for wrong content")
		}
		if err := ExpectMsg(rw1, 23, []interface{}{uint(4), uint(5), uint(6)}); err != nil {
			t.Errorf("expected no error for matching msg: %v", err)
		}
		if err := ExpectMsg(rw1, 11, nil); err != nil {
			t.Errorf("expected no error for nil content: %v", err)
		}
	}()

	SendItems(rw2, 23, uint(1))
	SendItems(rw2, 23, uint(1), uint(2), uint(4))
	SendItems(rw2, 23, uint(4), uint(5), uint(6))
	SendItems(rw2, 11, uint(9), uint(9), uint(9))
}

func TestMsgPipeUnblockWrite(t *testing.T) {
loop:
	for i := 0; i < 100; i++ {
		rw1, rw2 := MsgPipe()
		done := make(chan struct{})
		go func() {
			if err := SendItems(rw1, 1); err == nil {
				t.Error("EOF expected")
			}
			close(done)
		}()
		if i%2 == 0 {
			runtime.Gosched()
		}

		// this call should ensure that the write
		// on the other end is unblocked
		rw2.Close()

		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
			t.Errorf("write didn't unblock")
			break loop
		}
	}
}

// This test should panic if concurrent close isn't implemented correctly.
func TestMsgPipeConcurrentClose(t *testing.T) {
	rw1, _ := MsgPipe()
	for i := 0; i < 10; i++ {
		go rw1.Close()
	}
}

func TestMsgPipeRoundtrip(t *testing.T) {
	rw1, rw2 := MsgPipe()
	defer rw1.Close()

	sent := &msgPair{A: 7, B: []byte("hello")}

	go func() {
		if err := Send(rw1, 42, sent); err != nil {
			t.Errorf("send failed: %v", err)
		}
	}()

	msg, err := rw2.ReadMsg()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Code != 42 {
		t.Errorf("wrong code: %d", msg.Code)
	}
	var got msgPair
	if err := msg.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.A != sent.A || !bytes.Equal(got.B, sent.B) {
		t.Errorf("roundtrip mismatch: %+v != %+v", got, sent)
	}
}

func TestMsgDecodeError(t *testing.T) {
	rw1, rw2 := MsgPipe()
	defer rw1.Close()

	go SendItems(rw1, 5, "not a pair")

	msg, err := rw2.ReadMsg()
	if err != nil {
		t.Fatal(err)
	}
	var got msgPair
	err = msg.Decode(&got)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !strings.Contains(err.Error(), "invalid message") {
		t.Errorf("unexpected error text: %v", err)
	}
}

// msgPair is a small RLP list used by the pipe tests.
type msgPair struct {
	A uint64
	B []byte
}

func (p *msgPair) EncodeRLP(w io.Writer) error {
	var content []byte
	content = rlp.AppendUint64(content, p.A)
	content = rlp.AppendString(content, p.B)
	_, err := w.Write(rlp.AppendList(nil, content))
	return err
}

func (p *msgPair) DecodeRLP(s *rlp.Stream) error {
	if _, err := s.List(); err != nil {
		return err
	}
	var err error
	if p.A, err = s.Uint64(); err != nil {
		return err
	}
	if p.B, err = s.Bytes(); err != nil {
		return err
	}
	return s.ListEnd()
}
