package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"piscale/pkg/reduce"
)

func TestEncodeDecode_Assignment(t *testing.T) {
	chunk := reduce.Chunk{Start: 300, Size: 100}
	data, err := Encode(Assignment("w-1", "montecarlo", 42, chunk))
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeAssignment, m.Type)
	assert.Equal(t, "w-1", m.WorkerID)
	assert.Equal(t, "montecarlo", m.Method)
	assert.Equal(t, uint64(42), m.Seed)
	assert.Equal(t, chunk, m.Chunk())
}

func TestDecode_KeepsFloatPrecision(t *testing.T) {
	partial := 0.78539816339744830961566084581988
	data, err := Encode(Data("w-2", partial))
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, partial, m.Value)
}

func TestFailure(t *testing.T) {
	assert.Equal(t, "kernel exploded", Failure("w", errors.New("kernel exploded")).Error)
	assert.Equal(t, "unknown error", Failure("w", nil).Error)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"join", Join("a"), false},
		{"close", Close("a"), false},
		{"assignment", Assignment("a", "leibniz", 0, reduce.Chunk{Size: 1}), false},
		{"empty assignment", Assignment("a", "leibniz", 0, reduce.Chunk{}), true},
		{"assignment without method", Assignment("a", "", 0, reduce.Chunk{Size: 1}), true},
		{"missing type", Message{}, true},
		{"unknown type", Message{Type: "hello"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xc1})
	assert.ErrorIs(t, err, ErrMalformed)

	data, err := msgpack.Marshal(map[string]string{"type": "bogus"})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, err := Encode(Message{Type: "bogus"})
	assert.ErrorIs(t, err, ErrMalformed)
}
