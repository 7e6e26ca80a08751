package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Marshal encodes v into its canonical bencode representation.
// v must be built from int64/int/uint64/string/[]any/map[string]any;
// map keys are written in sorted order as BEP-3 requires.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case string:
		return encodeString(buf, val)
	case []byte:
		return encodeString(buf, string(val))
	case int:
		return encodeInt(buf, int64(val))
	case int64:
		return encodeInt(buf, val)
	case uint64:
		return encodeInt(buf, int64(val))
	case []any:
		return encodeList(buf, val)
	case map[string]any:
		return encodeDict(buf, val)
	default:
		return fmt.Errorf("bencoding: unsupported type %T", v)
	}
}

func encodeString(buf *bytes.Buffer, s string) error {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(byte(TokenStringSeparator))
	buf.WriteString(s)
	return nil
}

func encodeInt(buf *bytes.Buffer, n int64) error {
	buf.WriteByte(byte(TokenInteger))
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte(byte(TokenEnding))
	return nil
}

func encodeList(buf *bytes.Buffer, list []any) error {
	buf.WriteByte(byte(TokenList))
	for _, item := range list {
		if err := encodeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(byte(TokenEnding))
	return nil
}

func encodeDict(buf *bytes.Buffer, dict map[string]any) error {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte(byte(TokenDict))
	for _, k := range keys {
		if err := encodeString(buf, k); err != nil {
			return err
		}
		if err := encodeValue(buf, dict[k]); err != nil {
			return err
		}
	}
	buf.WriteByte(byte(TokenEnding))
	return nil
}
