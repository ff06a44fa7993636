package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "streambridge"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"icao24":"abc"}`)) {
		t.Fatal("expected object to be valid")
	}
	if Valid([]byte(`{"icao24":`)) {
		t.Fatal("expected truncated document to be invalid")
	}
}

func TestField(t *testing.T) {
	doc := []byte(`{"icao24":"3c6444","time":1700000000,"pos":{"lat":50.1},"messages":[{"role":"user"},{"role":"assistant"}]}`)

	tests := []struct {
		name   string
		path   []any
		want   string
		wantOK bool
	}{
		{"string keeps quotes", []any{"icao24"}, `"3c6444"`, true},
		{"number", []any{"time"}, `1700000000`, true},
		{"nested", []any{"pos", "lat"}, `50.1`, true},
		{"array index", []any{"messages", 1, "role"}, `"assistant"`, true},
		{"missing", []any{"callsign"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Field(doc, tt.path...)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("Field(%v) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, ok := Field([]byte("not json"), "a"); ok {
		t.Fatal("expected invalid document to report missing field")
	}
}
