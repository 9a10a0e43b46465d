// Package card extracts persona data embedded in PNG character cards and
// folds it into a markdown persona document.
//
// Cards carry base64-encoded JSON in a tEXt metadata chunk, keyed "ccv3"
// (schema v3) or "chara" (schema v2).
package card

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoTextChunks     = errors.New("no metadata text found")
	ErrNoCharacterChunk = errors.New("no recognized persona chunk")
	ErrMalformed        = errors.New("malformed character card")
	ErrNoContent        = errors.New("no extractable information")
)

const (
	keywordV3 = "ccv3"
	keywordV2 = "chara"
)

// Field is one top-level entry of the persona JSON, kept in original order.
type Field struct {
	Key   string
	Value json.RawMessage
}

// Parse extracts the persona fields from raw PNG bytes.
// The v3 chunk wins when both schema versions are present.
func Parse(image []byte) ([]Field, error) {
	chunks, err := textChunks(image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(chunks) == 0 {
		return nil, ErrNoTextChunks
	}
	payload := pickPayload(chunks, keywordV3)
	if payload == "" {
		payload = pickPayload(chunks, keywordV2)
	}
	if payload == "" {
		return nil, ErrNoCharacterChunk
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrMalformed, err)
	}
	fields, err := decodeOrderedFields(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fields, nil
}

// StringField returns the string value for key, or "" when absent or not a
// string. Used for pulling card name/description into room metadata.
func StringField(fields []Field, key string) string {
	for _, f := range fields {
		if f.Key != key {
			continue
		}
		var s string
		if err := json.Unmarshal(f.Value, &s); err == nil {
			return s
		}
		return ""
	}
	return ""
}

type textChunk struct {
	keyword string
	text    string
}

func pickPayload(chunks []textChunk, keyword string) string {
	for _, c := range chunks {
		if strings.ToLower(c.keyword) == keyword {
			return c.text
		}
	}
	return ""
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

// textChunks walks the PNG chunk stream and collects tEXt entries.
// CRC values are not verified; a corrupted chunk surfaces as a decode
// failure downstream, never as a fault.
func textChunks(data []byte) ([]textChunk, error) {
	if len(data) < len(pngSignature) || !bytes.Equal(data[:len(pngSignature)], pngSignature) {
		return nil, errors.New("not a png image")
	}
	var out []textChunk
	off := len(pngSignature)
	for off+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[off:]))
		ctype := string(data[off+4 : off+8])
		off += 8
		if length < 0 || off+length+4 > len(data) {
			return nil, errors.New("truncated chunk stream")
		}
		payload := data[off : off+length]
		off += length + 4 // payload + CRC
		if ctype == "IEND" {
			break
		}
		if ctype != "tEXt" {
			continue
		}
		if i := bytes.IndexByte(payload, 0); i >= 0 {
			out = append(out, textChunk{keyword: string(payload[:i]), text: string(payload[i+1:])})
		}
	}
	return out, nil
}

// decodeOrderedFields reads the top-level object via the token stream so
// field order survives; map decoding would shuffle it.
func decodeOrderedFields(data []byte) ([]Field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("persona payload is not a JSON object")
	}
	var fields []Field
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("unexpected token in persona object")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		fields = append(fields, Field{Key: key, Value: raw})
	}
	return fields, nil
}
