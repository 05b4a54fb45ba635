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

package rlp

import (
	"errors"
	"fmt"
	"io"
)

// Decoder is implemented by types that require custom RLP decoding rules.
type Decoder interface {
	DecodeRLP(*Stream) error
}

// RawValue represents an encoded RLP value and can be used to delay RLP
// decoding or to precompute an encoding.
type RawValue []byte

// Kind represents the kind of value contained in an RLP stream.
type Kind int8

const (
	Byte Kind = iota
	String
	List
)

func (k Kind) String() string {
	switch k {
	case Byte:
		return "Byte"
	case String:
		return "String"
	case List:
		return "List"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

var (
	// EOL is returned when the end of the current list has been reached
	// during streaming.
	EOL = errors.New("rlp: end of list")

	ErrExpectedString = errors.New("rlp: expected String or Byte")
	ErrExpectedList   = errors.New("rlp: expected List")
	ErrCanonInt       = errors.New("rlp: non-canonical integer format")
	ErrCanonSize      = errors.New("rlp: non-canonical size information")
	ErrElemTooLarge   = errors.New("rlp: element is larger than containing list")
	ErrValueTooLarge  = errors.New("rlp: value size exceeds available input length")
	errUintOverflow   = errors.New("rlp: uint overflow")
	errNotAtEOL       = errors.New("rlp: call of ListEnd not positioned at EOL")
)

// Stream provides a decoder operating over a byte slice. Values are decoded
// one by one; List opens a nested context that ends with ListEnd.
type Stream struct {
	data []byte
	pos  int
	// stack holds the end offset of each open list, innermost last.
	stack []int
}

// NewStream creates a stream decoding the given buffer.
func NewStream(data []byte) *Stream {
	return &Stream{data: data}
}

// DecodeBytes decodes a single value from b into val and rejects trailing
// input.
func DecodeBytes(b []byte, val Decoder) error {
	s := NewStream(b)
	if err := val.DecodeRLP(s); err != nil {
		return err
	}
	if s.pos != len(b) {
		return errors.New("rlp: input contains more than one value")
	}
	return nil
}

func (s *Stream) limit() int {
	if len(s.stack) > 0 {
		return s.stack[len(s.stack)-1]
	}
	return len(s.data)
}

// Remaining returns the number of undecoded bytes in the current context.
func (s *Stream) Remaining() int {
	return s.limit() - s.pos
}

// Rest returns all undecoded input following the current position. It is
// only valid outside of any list context.
func (s *Stream) Rest() []byte {
	return s.data[s.pos:]
}

// Kind returns the kind and content size of the next value in the stream
// without advancing it.
func (s *Stream) Kind() (kind Kind, size uint64, err error) {
	kind, _, size, err = s.readKind()
	return kind, size, err
}

// readKind parses the next item header, returning its kind, total header
// length and content size.
func (s *Stream) readKind() (kind Kind, hsize int, size uint64, err error) {
	lim := s.limit()
	if s.pos >= lim {
		if len(s.stack) > 0 {
			return 0, 0, 0, EOL
		}
		return 0, 0, 0, io.ErrUnexpectedEOF
	}
	b0 := s.data[s.pos]
	switch {
	case b0 < 0x80:
		return Byte, 0, 1, nil
	case b0 < 0xB8:
		kind, hsize, size = String, 1, uint64(b0-0x80)
		if size == 1 && s.pos+1 < lim && s.data[s.pos+1] < 0x80 {
			return 0, 0, 0, ErrCanonSize
		}
	case b0 < 0xC0:
		kind = String
		hsize, size, err = s.readSize(int(b0 - 0xB7))
	case b0 < 0xF8:
		kind, hsize, size = List, 1, uint64(b0-0xC0)
	default:
		kind = List
		hsize, size, err = s.readSize(int(b0 - 0xF7))
	}
	if err != nil {
		return 0, 0, 0, err
	}
	if uint64(s.pos+hsize)+size > uint64(lim) {
		if len(s.stack) > 0 {
			return 0, 0, 0, ErrElemTooLarge
		}
		return 0, 0, 0, ErrValueTooLarge
	}
	return kind, hsize, size, nil
}

// readSize parses a multi-byte size field of slen bytes following the
// current position.
func (s *Stream) readSize(slen int) (hsize int, size uint64, err error) {
	lim := s.limit()
	if s.pos+1+slen > lim {
		return 0, 0, io.ErrUnexpectedEOF
	}
	for _, b := range s.data[s.pos+1 : s.pos+1+slen] {
		size = size<<8 | uint64(b)
	}
	// Reject sizes < 56 (shouldn't have separate size field) and sizes with
	// leading zero bytes.
	if size < 56 || s.data[s.pos+1] == 0 {
		return 0, 0, ErrCanonSize
	}
	return 1 + slen, size, nil
}

// Bytes reads an RLP string and returns its contents.
func (s *Stream) Bytes() ([]byte, error) {
	kind, hsize, size, err := s.readKind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case Byte:
		b := s.data[s.pos]
		s.pos++
		return []byte{b}, nil
	case String:
		start := s.pos + hsize
		s.pos = start + int(size)
		out := make([]byte, size)
		copy(out, s.data[start:s.pos])
		return out, nil
	default:
		return nil, ErrExpectedString
	}
}

// ReadBytes decodes the next RLP value and stores the result in b, which
// must be of exact length.
func (s *Stream) ReadBytes(b []byte) error {
	v, err := s.Bytes()
	if err != nil {
		return err
	}
	if len(v) != len(b) {
		return fmt.Errorf("rlp: byte string of wrong size, want %d bytes, got %d", len(b), len(v))
	}
	copy(b, v)
	return nil
}

// Uint64 reads an RLP string of up to 8 bytes and returns its contents as
// an unsigned integer.
func (s *Stream) Uint64() (uint64, error) {
	kind, hsize, size, err := s.readKind()
	if err != nil {
		return 0, err
	}
	switch kind {
	case Byte:
		v := uint64(s.data[s.pos])
		s.pos++
		return v, nil
	case String:
		if size > 8 {
			return 0, errUintOverflow
		}
		start := s.pos + hsize
		content := s.data[start : start+int(size)]
		if size > 0 && content[0] == 0 {
			return 0, ErrCanonInt
		}
		var v uint64
		for _, b := range content {
			v = v<<8 | uint64(b)
		}
		if size == 1 && v < 128 {
			// should have been encoded as a single byte
			return 0, ErrCanonInt
		}
		s.pos = start + int(size)
		return v, nil
	default:
		return 0, ErrExpectedString
	}
}

// List starts decoding an RLP list. Subsequent calls decode the list's
// elements until EOL; ListEnd must be called to leave the list context.
func (s *Stream) List() (size uint64, err error) {
	kind, hsize, size, err := s.readKind()
	if err != nil {
		return 0, err
	}
	if kind != List {
		return 0, ErrExpectedList
	}
	s.pos += hsize
	s.stack = append(s.stack, s.pos+int(size))
	return size, nil
}

// ListEnd exits the innermost list context. All elements of the list must
// have been consumed.
func (s *Stream) ListEnd() error {
	if len(s.stack) == 0 {
		return errNotAtEOL
	}
	end := s.stack[len(s.stack)-1]
	if s.pos != end {
		return errNotAtEOL
	}
	s.stack = s.stack[:len(s.stack)-1]
	return nil
}

// MoreDataInList reports whether the current list context contains further
// undecoded elements.
func (s *Stream) MoreDataInList() bool {
	return len(s.stack) > 0 && s.pos < s.stack[len(s.stack)-1]
}

// Raw reads a complete value, including its header, without decoding it.
func (s *Stream) Raw() ([]byte, error) {
	kind, hsize, size, err := s.readKind()
	if err != nil {
		return nil, err
	}
	total := int(size)
	if kind != Byte {
		total += hsize
	}
	out := make([]byte, total)
	copy(out, s.data[s.pos:s.pos+total])
	s.pos += total
	return out, nil
}

// Skip discards the next value in the stream.
func (s *Stream) Skip() error {
	_, err := s.Raw()
	return err
}
