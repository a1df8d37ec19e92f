/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package net

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PacketMode selects how a byte stream is cut into packets.
type PacketMode string

const (
	// PacketModeLine splits on \n, dropping a trailing \r.
	PacketModeLine PacketMode = "line"
	// PacketModeFixed reads packets of PacketSize bytes.
	PacketModeFixed PacketMode = "fixed"
	// PacketModeDelimiter splits on a custom delimiter, written as text or 0x-prefixed hex.
	PacketModeDelimiter PacketMode = "delimiter"
	// The length prefix modes read a PacketSize byte length before the payload.
	// The _inc variants count the prefix in the length.
	PacketModeLengthPrefixLE    PacketMode = "length_prefix_le"
	PacketModeLengthPrefixBE    PacketMode = "length_prefix_be"
	PacketModeLengthPrefixLEInc PacketMode = "length_prefix_le_inc"
	PacketModeLengthPrefixBEInc PacketMode = "length_prefix_be_inc"
)

// ErrPacketTooLarge is returned for packets above the configured maximum.
var ErrPacketTooLarge = errors.New("packet too large")

// Framer reads packets from a stream and frames payloads for writing.
// Read returns the payload without framing bytes.
type Framer interface {
	Read(reader *bufio.Reader) ([]byte, error)
	Frame(payload []byte) ([]byte, error)
}

// NewFramer creates the framer for mode. size is the fixed packet size or the
// length prefix width; maxSize bounds length-prefixed and delimited packets.
func NewFramer(mode PacketMode, size int, delimiter string, maxSize int) (Framer, error) {
	switch PacketMode(strings.ToLower(string(mode))) {
	case "", PacketModeLine:
		return &delimiterFramer{delimiter: []byte{'\n'}, trimCR: true, maxSize: maxSize}, nil
	case PacketModeFixed:
		if size <= 0 {
			return nil, errors.New("packetSize must be greater than 0 for fixed mode")
		}
		return &fixedFramer{size: size}, nil
	case PacketModeDelimiter:
		d, err := ParseDelimiter(delimiter)
		if err != nil {
			return nil, err
		}
		return &delimiterFramer{delimiter: d, maxSize: maxSize}, nil
	case PacketModeLengthPrefixLE, PacketModeLengthPrefixBE, PacketModeLengthPrefixLEInc, PacketModeLengthPrefixBEInc:
		if size != 1 && size != 2 && size != 4 {
			return nil, errors.New("packetSize must be 1, 2 or 4 for length prefix modes")
		}
		m := string(mode)
		return &lengthPrefixFramer{
			size:           size,
			bigEndian:      strings.Contains(m, "_be"),
			includesPrefix: strings.HasSuffix(m, "_inc"),
			maxSize:        maxSize,
		}, nil
	}
	return nil, fmt.Errorf("unsupported packet mode %q", mode)
}

// ParseDelimiter decodes 0x-prefixed hex, otherwise returns the text bytes.
func ParseDelimiter(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("delimiter must be set for delimiter mode")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		d, err := hex.DecodeString(s[2:])
		if err != nil || len(d) == 0 {
			return nil, fmt.Errorf("invalid hex delimiter %q", s)
		}
		return d, nil
	}
	return []byte(s), nil
}

type delimiterFramer struct {
	delimiter []byte
	trimCR    bool
	maxSize   int
}

func (f *delimiterFramer) Read(reader *bufio.Reader) ([]byte, error) {
	last := f.delimiter[len(f.delimiter)-1]
	var buf []byte
	for {
		chunk, err := reader.ReadBytes(last)
		buf = append(buf, chunk...)
		if err != nil {
			return buf, err
		}
		if bytes.HasSuffix(buf, f.delimiter) {
			buf = buf[:len(buf)-len(f.delimiter)]
			if f.trimCR {
				buf = bytes.TrimSuffix(buf, []byte{'\r'})
			}
			return buf, nil
		}
		if f.maxSize > 0 && len(buf) > f.maxSize {
			return nil, fmt.Errorf("%w: more than %d bytes without delimiter", ErrPacketTooLarge, f.maxSize)
		}
	}
}

func (f *delimiterFramer) Frame(payload []byte) ([]byte, error) {
	out := make([]byte, 0, len(payload)+len(f.delimiter))
	out = append(out, payload...)
	return append(out, f.delimiter...), nil
}

type fixedFramer struct {
	size int
}

func (f *fixedFramer) Read(reader *bufio.Reader) ([]byte, error) {
	data := make([]byte, f.size)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Frame pads short payloads with zero bytes.
func (f *fixedFramer) Frame(payload []byte) ([]byte, error) {
	if len(payload) > f.size {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(payload), f.size)
	}
	out := make([]byte, f.size)
	copy(out, payload)
	return out, nil
}

type lengthPrefixFramer struct {
	size           int
	bigEndian      bool
	includesPrefix bool
	maxSize        int
}

func (f *lengthPrefixFramer) order() binary.ByteOrder {
	if f.bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (f *lengthPrefixFramer) Read(reader *bufio.Reader) ([]byte, error) {
	prefix := make([]byte, f.size)
	if _, err := io.ReadFull(reader, prefix); err != nil {
		return nil, err
	}
	var length uint32
	switch f.size {
	case 1:
		length = uint32(prefix[0])
	case 2:
		length = uint32(f.order().Uint16(prefix))
	default:
		length = f.order().Uint32(prefix)
	}
	if f.includesPrefix {
		if length < uint32(f.size) {
			return nil, fmt.Errorf("invalid packet length %d below prefix size %d", length, f.size)
		}
		length -= uint32(f.size)
	}
	if f.maxSize > 0 && int(length) > f.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, length, f.maxSize)
	}
	data := make([]byte, length)
	_, err := io.ReadFull(reader, data)
	return data, err
}

func (f *lengthPrefixFramer) Frame(payload []byte) ([]byte, error) {
	length := uint64(len(payload))
	if f.includesPrefix {
		length += uint64(f.size)
	}
	if length >= uint64(1)<<(8*f.size) {
		return nil, fmt.Errorf("%w: %d bytes do not fit a %d byte prefix", ErrPacketTooLarge, len(payload), f.size)
	}
	out := make([]byte, f.size, f.size+len(payload))
	switch f.size {
	case 1:
		out[0] = byte(length)
	case 2:
		f.order().PutUint16(out, uint16(length))
	default:
		f.order().PutUint32(out, uint32(length))
	}
	return append(out, payload...), nil
}
