package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffset_ZeroValueIsLast(t *testing.T) {
	var o Offset
	assert.True(t, o.IsLast())
	assert.False(t, o.IsFirst())
	assert.Equal(t, Last, o)
	assert.Equal(t, "last", o.String())
}

func TestOffset_At(t *testing.T) {
	o := At(42)
	pos, ok := o.Position()
	assert.True(t, ok)
	assert.Equal(t, int64(42), pos)
	assert.False(t, o.IsFirst())
	assert.False(t, o.IsLast())
	assert.Equal(t, "42", o.String())

	_, ok = First.Position()
	assert.False(t, ok)
}

func TestOffset_Validate(t *testing.T) {
	assert.NoError(t, First.Validate())
	assert.NoError(t, Last.Validate())
	assert.NoError(t, At(0).Validate())

	err := At(-1).Validate()
	assert.ErrorIs(t, err, ErrInvalidOffset)
	assert.Contains(t, err.Error(), "-1")
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    Offset
		wantErr bool
	}{
		{in: "first", want: First},
		{in: " FIRST ", want: First},
		{in: "last", want: Last},
		{in: "", want: Last},
		{in: "0", want: At(0)},
		{in: "1234", want: At(1234)},
		{in: "-1", wantErr: true},
		{in: "next", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOffset(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
