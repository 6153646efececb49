package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	return appendBytes(b, num, []byte(v))
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire: expected varint, got wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire: expected length-delimited, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeString(b []byte, typ protowire.Type) (string, int, error) {
	v, n, err := consumeBytes(b, typ)
	return string(v), n, err
}

// walkFields decodes every tag/field pair in data, calling fn with the
// field number, wire type, and the remaining bytes starting at the
// value. fn returns the number of bytes it consumed from that point; a
// negative or zero return with a nil error is treated as malformed input.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return protowire.ParseError(tagLen)
		}
		data = data[tagLen:]

		n, err := fn(num, typ, data)
		if err != nil {
			return fmt.Errorf("wire: field %d: %w", num, err)
		}
		if n <= 0 || n > len(data) {
			return fmt.Errorf("wire: field %d: malformed value", num)
		}
		data = data[n:]
	}
	return nil
}
