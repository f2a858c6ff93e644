// Package wire converts task inputs and results to and from the
// self-describing byte encoding exchanged between clients, the server, and
// nodes. A payload is a short format tag, a '.' separator, and the encoded
// bytes. Decoders dispatch on the tag; payloads without a recognized tag are
// treated as the native gob encoding for backward compatibility.
package wire

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/vantage6/vantage6-sub005/types"
)

// Format identifies one of the supported payload encodings.
type Format string

const (
	// FormatJSON is the structured-text encoding, readable by any language.
	FormatJSON Format = "json"
	// FormatGob is the native-object encoding, used between Go components.
	FormatGob Format = "gob"
)

// separator splits the format tag from the encoded payload.
const separator = '.'

type encodeFunc func(v any) ([]byte, error)
type decodeFunc func(data []byte, v any) error

type codec struct {
	encode encodeFunc
	decode decodeFunc
}

// codecs is the closed set of supported encodings. Dispatch outside this
// table fails with an UNSUPPORTED_FORMAT error, never a panic.
var codecs = map[Format]codec{
	FormatJSON: {encode: json.Marshal, decode: json.Unmarshal},
	FormatGob:  {encode: gobEncode, decode: gobDecode},
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Marshal encodes v with the given format and prepends the format tag.
func Marshal(format Format, v any) ([]byte, error) {
	c, ok := codecs[format]
	if !ok {
		return nil, types.Errorf(types.ErrUnsupportedFormat, "unknown serialization format %q", format)
	}

	payload, err := c.encode(v)
	if err != nil {
		return nil, types.Errorf(types.ErrUnsupportedFormat, "encode %s payload", format).WithCause(err)
	}

	out := make([]byte, 0, len(format)+1+len(payload))
	out = append(out, format...)
	out = append(out, separator)
	out = append(out, payload...)
	return out, nil
}

// Unmarshal decodes a tagged payload into v. Untagged payloads fall back to
// the gob encoding, which is how pre-tag clients serialized their objects.
func Unmarshal(data []byte, v any) error {
	format, payload := Split(data)
	c, ok := codecs[format]
	if !ok {
		return types.Errorf(types.ErrUnsupportedFormat, "unknown serialization format %q", format)
	}

	if err := c.decode(payload, v); err != nil {
		return types.Errorf(types.ErrUnsupportedFormat, "decode %s payload", format).WithCause(err)
	}
	return nil
}

// Split separates a payload into its format and encoded bytes. Payloads with
// no recognized tag before the first separator are reported as FormatGob with
// the input returned whole.
func Split(data []byte) (Format, []byte) {
	idx := bytes.IndexByte(data, separator)
	if idx < 0 {
		return FormatGob, data
	}

	tag := Format(data[:idx])
	if _, ok := codecs[tag]; !ok {
		// A '.' early in a legacy gob stream is not a tag.
		return FormatGob, data
	}
	return tag, data[idx+1:]
}

// Validate confirms every registered format has both halves of its codec.
// Called once at server startup so a misregistered codec fails fast.
func Validate() error {
	for format, c := range codecs {
		if c.encode == nil || c.decode == nil {
			return fmt.Errorf("serialization format %q is missing a codec half", format)
		}
	}
	return nil
}
