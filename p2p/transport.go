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
	"crypto/ecdsa"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kirushik/parity/p2p/discover"
	"github.com/kirushik/parity/p2p/rlpx"
	"github.com/kirushik/parity/rlp"
)

const (
	// total timeout for encryption handshake and protocol
	// handshake in both directions.
	handshakeTimeout = 5 * time.Second

	// This is the timeout for sending the disconnect reason.
	discWriteTimeout = 1 * time.Second
)

// rlpxTransport is the transport used by actual (non-test) connections.
// It wraps an RLPx connection with locks and read/write deadlines.
type rlpxTransport struct {
	rmu, wmu sync.Mutex
	wbuf     bytes.Buffer
	conn     *rlpx.Conn
}

func newRLPX(conn net.Conn, dialDest *ecdsa.PublicKey, maxFrameSize uint32) transport {
	c := rlpx.NewConn(conn, dialDest)
	c.SetMaxFrameSize(maxFrameSize)
	return &rlpxTransport{conn: c}
}

func (t *rlpxTransport) ReadMsg() (Msg, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	var msg Msg
	t.conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
	code, data, _, err := t.conn.ReadMsg()
	if err == nil {
		msg = Msg{
			ReceivedAt: time.Now(),
			Code:       code,
			Size:       uint32(len(data)),
			Payload:    bytes.NewReader(data),
		}
	}
	return msg, err
}

func (t *rlpxTransport) WriteMsg(msg Msg) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	// Copy message data to write buffer.
	t.wbuf.Reset()
	if _, err := io.CopyN(&t.wbuf, msg.Payload, int64(msg.Size)); err != nil {
		return err
	}

	// Write the message.
	t.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	_, err := t.conn.Write(msg.Code, t.wbuf.Bytes())
	return err
}

func (t *rlpxTransport) close(err error) {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	// Tell the remote end why we're disconnecting if possible.
	// We only bother doing this if the underlying connection supports
	// setting a timeout tough.
	if t.conn != nil {
		if r, ok := err.(DiscReason); ok && r != DiscNetworkError {
			deadline := time.Now().Add(discWriteTimeout)
			if err := t.conn.SetWriteDeadline(deadline); err == nil {
				// Connection supports write deadline.
				t.wbuf.Reset()
				rlp.Encode(&t.wbuf, []interface{}{uint64(r)})
				t.conn.Write(discMsg, t.wbuf.Bytes())
			}
		}
	}
	t.conn.Close()
}

func (t *rlpxTransport) doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	t.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	return t.conn.Handshake(prv)
}

func (t *rlpxTransport) doProtoHandshake(our *protoHandshake) (their *protoHandshake, err error) {
	// Writing our handshake happens concurrently, we prefer
	// returning the handshake read error. If the remote side
	// disconnects us early with a valid reason, we should return it
	// as the error so it can be tracked elsewhere.
	werr := make(chan error, 1)
	go func() { werr <- Send(t, handshakeMsg, our) }()
	if their, err = readProtocolHandshake(t); err != nil {
		<-werr // make sure the write terminates too
		return nil, err
	}
	if err := <-werr; err != nil {
		return nil, fmt.Errorf("write error: %v", err)
	}
	// If the protocol version supports Snappy encoding, upgrade immediately
	t.conn.SetSnappy(their.Version >= snappyProtocolVersion)

	return their, nil
}

func readProtocolHandshake(rw MsgReader) (*protoHandshake, error) {
	msg, err := rw.ReadMsg()
	if err != nil {
		return nil, err
	}
	if msg.Size > baseProtocolMaxMsgSize {
		return nil, fmt.Errorf("message too big")
	}
	if msg.Code == discMsg {
		// Disconnect before protocol handshake is valid according to the
		// spec and we send it ourself if the post-handshake checks fail.
		var reason DiscReason
		if err := msg.Decode(&reason); err != nil {
			return nil, err
		}
		return nil, reason
	}
	if msg.Code != handshakeMsg {
		return nil, fmt.Errorf("expected handshake, got %x", msg.Code)
	}
	var hs protoHandshake
	if err := msg.Decode(&hs); err != nil {
		return nil, err
	}
	if (hs.ID == discover.NodeID{}) {
		return nil, DiscInvalidIdentity
	}
	return &hs, nil
}

// protoHandshake is the RLP structure of the protocol handshake.
type protoHandshake struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         discover.NodeID
}

func (h *protoHandshake) EncodeRLP(w io.Writer) error {
	var caps []byte
	for _, c := range h.Caps {
		enc, err := rlp.EncodeToBytes(c)
		if err != nil {
			return err
		}
		caps = append(caps, enc...)
	}
	var content []byte
	content = rlp.AppendUint64(content, h.Version)
	content = rlp.AppendString(content, []byte(h.Name))
	content = rlp.AppendList(content, caps)
	content = rlp.AppendUint64(content, h.ListenPort)
	content = rlp.AppendString(content, h.ID[:])
	_, err := w.Write(rlp.AppendList(nil, content))
	return err
}

func (h *protoHandshake) DecodeRLP(s *rlp.Stream) error {
	if _, err := s.List(); err != nil {
		return err
	}
	var err error
	if h.Version, err = s.Uint64(); err != nil {
		return err
	}
	name, err := s.Bytes()
	if err != nil {
		return err
	}
	h.Name = string(name)
	if _, err := s.List(); err != nil {
		return err
	}
	h.Caps = nil
	for s.MoreDataInList() {
		var c Cap
		if err := c.DecodeRLP(s); err != nil {
			return err
		}
		h.Caps = append(h.Caps, c)
	}
	if err := s.ListEnd(); err != nil {
		return err
	}
	if h.ListenPort, err = s.Uint64(); err != nil {
		return err
	}
	if err := s.ReadBytes(h.ID[:]); err != nil {
		return err
	}
	// Ignore additional list elements for forward compatibility.
	for s.MoreDataInList() {
		if err := s.Skip(); err != nil {
			return err
		}
	}
	return s.ListEnd()
}

// DecodeRLP reads a disconnect reason, accepting both the spec-mandated
// single element list and a bare integer as sent by some implementations.
func (d *DiscReason) DecodeRLP(s *rlp.Stream) error {
	kind, _, err := s.Kind()
	if err != nil {
		return err
	}
	var v uint64
	if kind == rlp.List {
		if _, err := s.List(); err != nil {
			return err
		}
		if v, err = s.Uint64(); err != nil {
			return err
		}
		for s.MoreDataInList() {
			if err := s.Skip(); err != nil {
				return err
			}
		}
		if err := s.ListEnd(); err != nil {
			return err
		}
	} else if v, err = s.Uint64(); err != nil {
		return err
	}
	*d = DiscReason(v)
	return nil
}
