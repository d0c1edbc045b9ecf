package sink

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// objectEncoding compresses S3 object bodies. name doubles as the
// Content-Encoding value and is empty for uncompressed objects.
type objectEncoding struct {
	name   string
	suffix string
	encode func([]byte) ([]byte, error)
	decode func([]byte) ([]byte, error)
}

var identity = objectEncoding{
	encode: func(b []byte) ([]byte, error) { return b, nil },
	decode: func(b []byte) ([]byte, error) { return b, nil },
}

var objectEncodings = map[string]objectEncoding{
	"":     identity,
	"none": identity,
	"gzip": {
		name:   "gzip",
		suffix: ".gz",
		encode: gzipEncode,
		decode: gzipDecode,
	},
	"snappy": {
		name:   "snappy",
		suffix: ".snappy",
		encode: func(b []byte) ([]byte, error) { return snappy.Encode(nil, b), nil },
		decode: func(b []byte) ([]byte, error) {
			out, err := snappy.Decode(nil, b)
			if err != nil {
				return nil, fmt.Errorf("snappy: %w", err)
			}
			return out, nil
		},
	},
}

func lookupEncoding(name string) (objectEncoding, error) {
	enc, ok := objectEncodings[name]
	if !ok {
		return objectEncoding{}, fmt.Errorf("unsupported compression type: %s", name)
	}
	return enc, nil
}

func gzipEncode(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func gzipDecode(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
