// Package bencode implements the bencode serialization used by .torrent
// files and tracker responses: dictionaries, lists, byte strings, and
// integers.
package bencode

import (
	"errors"
	"fmt"
	"strconv"
)

// Unmarshal parses a single complete bencoded value from data and returns
// it. Returns an error if the input is malformed, exceeds Decoder limits,
// or contains trailing data after the first value.
func Unmarshal(data []byte) (any, error) {
	d := NewDecoder(data)
	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, fmt.Errorf("bencoding: trailing data after first value")
	}
	return v, nil
}

// Token identifies syntactic markers in the bencode stream.
type Token byte

const (
	TokenDict            Token = 'd'
	TokenInteger         Token = 'i'
	TokenEnding          Token = 'e'
	TokenList            Token = 'l'
	TokenStringSeparator Token = ':'
)

// Decoder reads bencoded values from an in-memory byte slice, tracking
// its cursor position so callers can recover the raw byte range of any
// nested value (used to hash the info dictionary without re-encoding it).
//
// A Decoder is safe for use by a single goroutine at a time.
type Decoder struct {
	data      []byte
	pos       int
	maxDepth  int
	maxStrLen int
	maxDigits int
}

// NewDecoder returns a new Decoder reading from data with conservative
// limits. The returned Decoder retains a reference to data; callers must
// not mutate data while decoding is in progress.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{
		data:      data,
		maxDepth:  2048,
		maxStrLen: 16 << 20, // 16 MiB
		maxDigits: 19,       // within int64 range
	}
}

// Pos returns the decoder's current byte offset into the source slice.
func (d *Decoder) Pos() int { return d.pos }

// Decode parses and returns the next bencoded value from the input. It
// may return one of: int64, string, []any, or map[string]any.
func (d *Decoder) Decode() (any, error) { return d.decode(0) }

func (d *Decoder) peek() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, errDecodeEOF
	}
	return d.data[d.pos], nil
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.peek()
	if err != nil {
		return 0, err
	}
	d.pos++
	return b, nil
}

var errDecodeEOF = errors.New("bencoding: unexpected end of input")

func (d *Decoder) decode(depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, errors.New("bencoding: max depth exceeded")
	}

	delim, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch delim {
	case byte(TokenDict):
		return d.decodeDict(depth + 1)
	case byte(TokenList):
		return d.decodeList(depth + 1)
	case byte(TokenInteger):
		return d.decodeInteger()
	default:
		d.pos--
		return d.decodeString()
	}
}

// decodeDict parses a dictionary and returns it as map[string]any. Keys
// must be bencoded strings; values may be any bencoded type.
func (d *Decoder) decodeDict(depth int) (map[string]any, error) {
	dict := make(map[string]any, 8)
	for {
		next, err := d.peek()
		if err != nil {
			return nil, err
		}
		if next == byte(TokenEnding) {
			d.pos++
			break
		}

		k, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		dict[k] = v
	}
	return dict, nil
}

func (d *Decoder) decodeList(depth int) ([]any, error) {
	var list []any
	for {
		next, err := d.peek()
		if err != nil {
			return nil, err
		}
		if next == byte(TokenEnding) {
			d.pos++
			break
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, nil
}

func (d *Decoder) decodeInteger() (int64, error) {
	return d.readInteger(TokenEnding)
}

func (d *Decoder) decodeString() (string, error) {
	n, err := d.readInteger(TokenStringSeparator)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("bencoding: invalid string: length can't be negative")
	}
	if n > int64(d.maxStrLen) {
		return "", fmt.Errorf("bencoding: string too large: %d > %d", n, d.maxStrLen)
	}
	if d.pos+int(n) > len(d.data) {
		return "", errDecodeEOF
	}
	s := string(d.data[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

// readInteger reads a base-10, optionally signed integer terminated by
// delim, enforcing d.maxDigits. Performs canonicality checks (no leading
// zeros, no "-0").
func (d *Decoder) readInteger(delim Token) (int64, error) {
	start := d.pos
	for {
		b, err := d.peek()
		if err != nil {
			return 0, err
		}
		if b == byte(delim) {
			break
		}
		d.pos++
		if d.pos-start > d.maxDigits+1 {
			return 0, fmt.Errorf("bencoding: invalid integer: too many digits")
		}
	}
	s := d.data[start:d.pos]
	d.pos++ // consume delim

	n := len(s)
	if n == 0 {
		return 0, fmt.Errorf("bencoding: invalid integer: empty")
	}
	if s[0] == '-' {
		if n == 1 {
			return 0, fmt.Errorf("bencoding: invalid integer: lone '-'")
		}
		if s[1] == '0' {
			return 0, fmt.Errorf("bencoding: invalid integer: negative zero")
		}
	} else if s[0] == '0' && n > 1 {
		return 0, fmt.Errorf("bencoding: invalid integer: leading zero")
	}

	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bencoding: invalid integer: %w", err)
	}
	return v, nil
}

// DecodeDictWithRawValues parses a top-level dictionary and additionally
// returns, for every key, the raw source bytes spanning that key's value
// exactly as they appear in data. This is what lets the metainfo loader
// hash the "info" value without re-encoding the decoded tree, which would
// silently change the hash for any torrent whose dictionary keys were not
// already written in sorted order.
func (d *Decoder) DecodeDictWithRawValues() (map[string]any, map[string][]byte, error) {
	delim, err := d.readByte()
	if err != nil {
		return nil, nil, err
	}
	if delim != byte(TokenDict) {
		return nil, nil, fmt.Errorf("bencoding: top-level value is not a dictionary")
	}

	dict := make(map[string]any, 8)
	raw := make(map[string][]byte, 8)
	for {
		next, err := d.peek()
		if err != nil {
			return nil, nil, err
		}
		if next == byte(TokenEnding) {
			d.pos++
			break
		}

		k, err := d.decodeString()
		if err != nil {
			return nil, nil, err
		}

		valueStart := d.pos
		v, err := d.decode(1)
		if err != nil {
			return nil, nil, err
		}
		valueEnd := d.pos

		dict[k] = v
		raw[k] = d.data[valueStart:valueEnd]
	}

	return dict, raw, nil
}
