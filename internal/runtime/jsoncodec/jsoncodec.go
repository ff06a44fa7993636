// Package jsoncodec is the JSON codec shared by the publisher, the consuming
// side and the file-backed transports.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// Field returns the raw JSON text found at path inside data. Path elements
// are object keys (string) or array indexes (int). The second result is false
// when data is not JSON or the path does not exist.
func Field(data []byte, path ...any) (string, bool) {
	node, err := sonic.Get(data, path...)
	if err != nil || !node.Exists() {
		return "", false
	}
	raw, err := node.Raw()
	if err != nil {
		return "", false
	}
	return raw, true
}
