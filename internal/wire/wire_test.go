package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string    `cbor:"1,keyasint" json:"name"`
	At   time.Time `cbor:"2,keyasint" json:"at"`
	N    float64   `cbor:"3,keyasint" json:"n"`
}

func TestSealOpen(t *testing.T) {
	in := sample{Name: "london", At: time.Date(2025, 1, 2, 3, 4, 5, 600, time.UTC), N: 51.5}
	data, err := Seal("sample", in)
	require.NoError(t, err)

	env, err := Open(data)
	require.NoError(t, err)
	assert.Equal(t, "sample", env.K)

	var out sample
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, in.Name, out.Name)
	assert.True(t, in.At.Equal(out.At), "nanoseconds survive")
	assert.Equal(t, in.N, out.N)
}

func TestMarshalIsDeterministic(t *testing.T) {
	a, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b, err := Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	data, err := Marshal(Envelope{V: 99, K: "x", B: Raw{0xf6}})
	require.NoError(t, err)
	_, err = Open(data)
	assert.ErrorIs(t, err, ErrVersion)

	data, err = Marshal(Envelope{V: Version, B: Raw{0xf6}})
	require.NoError(t, err)
	_, err = Open(data)
	assert.Error(t, err)

	_, err = Open([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestJSONEnvelope(t *testing.T) {
	data, err := SealJSON("sample", sample{Name: "paris", N: 2})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"k":"sample"`)

	env, err := OpenJSON(data)
	require.NoError(t, err)
	var out sample
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, "paris", out.Name)

	env, err = OpenJSON([]byte(`{"v":1,"k":"empty"}`))
	require.NoError(t, err)
	assert.NoError(t, env.Decode(&out))

	_, err = OpenJSON([]byte(`{"v":2,"k":"x","b":{}}`))
	assert.ErrorIs(t, err, ErrVersion)
}
