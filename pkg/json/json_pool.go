// Package json provides JSON serialization with pooled buffers, backed by
// goccy/go-json.
package json

import (
	"bytes"
	"sync"

	gojson "github.com/goccy/go-json"
)

// RawMessage is a raw encoded JSON value.
type RawMessage = gojson.RawMessage

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// Marshal is a drop-in replacement for encoding/json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a drop-in replacement for encoding/json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return gojson.Valid(data)
}

// Compact returns src with insignificant whitespace removed.
func Compact(src []byte) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if err := gojson.Compact(buf, src); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// EncodeFrame encodes v as a single line of JSON preceded by prefix and
// terminated by a newline. HTML characters are not escaped. The returned slice
// is owned by the caller.
func EncodeFrame(prefix []byte, v interface{}) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(prefix)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encode terminates the value with '\n'
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	frame := make([]byte, buf.Len())
	copy(frame, buf.Bytes())
	return frame, nil
}
