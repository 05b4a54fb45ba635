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

// Package rlp implements the RLP serialization format.
//
// The package provides a streaming decoder and append-style encoding
// helpers. Composite wire messages implement the Encoder and Decoder
// interfaces with explicit field-by-field codecs; there is no reflection
// based struct support.
package rlp

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
)

// Encoder is implemented by types that require custom encoding rules.
type Encoder interface {
	// EncodeRLP should write the RLP encoding of its receiver to w.
	EncodeRLP(w io.Writer) error
}

var errBigIntNegative = errors.New("rlp: cannot encode negative big.Int")

// EncodeToBytes returns the RLP encoding of val.
//
// Supported types are: values implementing Encoder, unsigned integers,
// booleans, strings, byte slices, net.IP, non-negative *big.Int, and
// []interface{} (encoded as a list of the contained values).
func EncodeToBytes(val interface{}) ([]byte, error) {
	return appendValue(nil, val)
}

// Encode writes the RLP encoding of val to w.
func Encode(w io.Writer, val interface{}) error {
	b, err := EncodeToBytes(val)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func appendValue(buf []byte, val interface{}) ([]byte, error) {
	switch v := val.(type) {
	case Encoder:
		// Encoders emit complete items already.
		w := encoderBuf{buf}
		if err := v.EncodeRLP(&w); err != nil {
			return nil, err
		}
		return w.b, nil
	case RawValue:
		return append(buf, v...), nil
	case uint64:
		return AppendUint64(buf, v), nil
	case uint:
		return AppendUint64(buf, uint64(v)), nil
	case uint32:
		return AppendUint64(buf, uint64(v)), nil
	case uint16:
		return AppendUint64(buf, uint64(v)), nil
	case uint8:
		return AppendUint64(buf, uint64(v)), nil
	case bool:
		if v {
			return AppendUint64(buf, 1), nil
		}
		return AppendUint64(buf, 0), nil
	case string:
		return AppendString(buf, []byte(v)), nil
	case []byte:
		return AppendString(buf, v), nil
	case net.IP:
		return AppendString(buf, v), nil
	case *big.Int:
		if v == nil {
			return AppendString(buf, nil), nil
		}
		if v.Sign() < 0 {
			return nil, errBigIntNegative
		}
		return AppendString(buf, v.Bytes()), nil
	case []interface{}:
		var content []byte
		var err error
		for _, elem := range v {
			content, err = appendValue(content, elem)
			if err != nil {
				return nil, err
			}
		}
		return AppendList(buf, content), nil
	default:
		return nil, fmt.Errorf("rlp: type %T is not RLP-serializable", val)
	}
}

// encoderBuf adapts an append buffer to io.Writer for Encoder calls.
type encoderBuf struct{ b []byte }

func (w *encoderBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// AppendUint64 appends the RLP encoding of i to buf.
func AppendUint64(buf []byte, i uint64) []byte {
	if i == 0 {
		return append(buf, 0x80)
	}
	if i < 128 {
		return append(buf, byte(i))
	}
	b := putint(i)
	buf = append(buf, 0x80+byte(len(b)))
	return append(buf, b...)
}

// AppendString appends the RLP encoding of the byte string s to buf.
func AppendString(buf []byte, s []byte) []byte {
	if len(s) == 1 && s[0] < 0x80 {
		return append(buf, s[0])
	}
	buf = appendSize(buf, uint64(len(s)), 0x80)
	return append(buf, s...)
}

// AppendList appends a list header for content to buf, followed by content
// itself. content must be the concatenation of already-encoded items.
func AppendList(buf []byte, content []byte) []byte {
	buf = appendSize(buf, uint64(len(content)), 0xC0)
	return append(buf, content...)
}

// ListSize returns the encoded size of an RLP list with the given content
// size.
func ListSize(contentSize uint64) uint64 {
	return uint64(len(appendSize(nil, contentSize, 0xC0))) + contentSize
}

func appendSize(buf []byte, size uint64, offset byte) []byte {
	if size < 56 {
		return append(buf, offset+byte(size))
	}
	b := putint(size)
	buf = append(buf, offset+55+byte(len(b)))
	return append(buf, b...)
}

// putint encodes i as big-endian with no leading zero bytes.
func putint(i uint64) []byte {
	var b [8]byte
	n := 8
	for v := i; v > 0; v >>= 8 {
		n--
		b[n] = byte(v)
	}
	return b[n:]
}
