package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFeature struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Geometry   RawMessage             `json:"geometry"`
}

func TestEncodeFrame(t *testing.T) {
	f := testFeature{
		Type:       "Feature",
		Properties: map[string]interface{}{"name": "A & B <road>"},
		Geometry:   RawMessage(`{"type":"Point","coordinates":[139.7,35.6]}`),
	}

	frame, err := EncodeFrame([]byte{0x1e}, f)
	require.NoError(t, err)

	assert.Equal(t, byte(0x1e), frame[0])
	assert.Equal(t, byte('\n'), frame[len(frame)-1])
	assert.Equal(t, 1, bytes.Count(frame, []byte{'\n'}), "frame must be a single line")
	assert.Contains(t, string(frame), `"A & B <road>"`)

	var decoded testFeature
	require.NoError(t, Unmarshal(frame[1:], &decoded))
	assert.Equal(t, "Feature", decoded.Type)
	assert.JSONEq(t, `{"type":"Point","coordinates":[139.7,35.6]}`, string(decoded.Geometry))
}

func TestEncodeFrameReturnsOwnedSlice(t *testing.T) {
	a, err := EncodeFrame(nil, map[string]int{"a": 1})
	require.NoError(t, err)
	b, err := EncodeFrame(nil, map[string]int{"b": 2})
	require.NoError(t, err)

	assert.Equal(t, "{\"a\":1}\n", string(a))
	assert.Equal(t, "{\"b\":2}\n", string(b))
}

func BenchmarkEncodeFrame(b *testing.B) {
	f := testFeature{
		Type:       "Feature",
		Properties: map[string]interface{}{"id": 1, "name": "road", "_table": "roads"},
		Geometry:   RawMessage(`{"type":"LineString","coordinates":[[0,0],[1,1]]}`),
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := EncodeFrame([]byte{0x1e}, f); err != nil {
			b.Fatal(err)
		}
	}
}
