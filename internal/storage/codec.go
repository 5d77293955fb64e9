package storage

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses large text fields.
type Codec interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

type zstdCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (c *zstdCodec) init() error {
	c.once.Do(func() {
		c.enc, c.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil)
	})
	return c.err
}

func (c *zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.dec.DecodeAll(src, nil)
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

var codecs = map[string]Codec{
	"zstd": &zstdCodec{},
	"lz4":  lz4Codec{},
}

// CodecByName returns a registered codec.
func CodecByName(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	return c, nil
}

// compressString returns the encoded form of s and true when encoding
// makes it strictly shorter. Values below threshold are never touched.
func compressString(c Codec, s string, threshold int) (string, bool, error) {
	if len(s) < threshold {
		return s, false, nil
	}
	packed, err := c.Compress([]byte(s))
	if err != nil {
		return "", false, err
	}
	enc := c.Name() + ":" + base64.StdEncoding.EncodeToString(packed)
	if len(enc) >= len(s) {
		return s, false, nil
	}
	return enc, true, nil
}

// decompressString reverses compressString. The codec is taken from the
// value itself so records written under another codec stay readable.
func decompressString(s string) (string, error) {
	name, body, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("compressed value has no codec prefix")
	}
	c, err := CodecByName(name)
	if err != nil {
		return "", err
	}
	packed, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decode compressed value: %w", err)
	}
	raw, err := c.Decompress(packed)
	if err != nil {
		return "", fmt.Errorf("%s decompress: %w", name, err)
	}
	return string(raw), nil
}
