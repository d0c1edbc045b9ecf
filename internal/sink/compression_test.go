package sink

import (
	"bytes"
	"testing"
)

func TestObjectEncodings(t *testing.T) {
	body := []byte(`{"Machine":"UIP 1 - Calmar [G50-H]","Status":"Running","Timestamp":"2024-01-15T08:30:00+0000","Counter":"4242"}`)

	tests := []struct {
		name   string
		header string
		suffix string
	}{
		{"", "", ""},
		{"none", "", ""},
		{"gzip", "gzip", ".gz"},
		{"snappy", "snappy", ".snappy"},
	}

	for _, tt := range tests {
		t.Run("encoding "+tt.name, func(t *testing.T) {
			enc, err := lookupEncoding(tt.name)
			if err != nil {
				t.Fatalf("lookupEncoding(%q) error = %v", tt.name, err)
			}
			if enc.name != tt.header || enc.suffix != tt.suffix {
				t.Errorf("encoding = (%q, %q), want (%q, %q)", enc.name, enc.suffix, tt.header, tt.suffix)
			}

			encoded, err := enc.encode(body)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := enc.decode(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(decoded, body) {
				t.Errorf("decoded body differs: %q", decoded)
			}
		})
	}
}

func TestLookupEncodingUnsupported(t *testing.T) {
	if _, err := lookupEncoding("lz4"); err == nil {
		t.Error("expected error for unsupported compression")
	}
}

func TestDecodeGarbage(t *testing.T) {
	garbage := []byte{0xff, 0x00, 0x13, 0x37}

	for _, name := range []string{"gzip", "snappy"} {
		if _, err := objectEncodings[name].decode(garbage); err == nil {
			t.Errorf("%s should reject garbage", name)
		}
	}
}
