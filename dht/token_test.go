package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRange_Contains(t *testing.T) {
	r := NewRange(10, 20)
	assert.False(t, r.Contains(10), "left bound is exclusive")
	assert.True(t, r.Contains(11))
	assert.True(t, r.Contains(20), "right bound is inclusive")
	assert.False(t, r.Contains(21))
}

func TestRangeContains_WrapAround(t *testing.T) {
	r := NewRange(100, -100)
	assert.True(t, r.IsWrapAround())
	assert.True(t, r.Contains(MaxToken))
	assert.True(t, r.Contains(MinToken))
	assert.True(t, r.Contains(-100))
	assert.False(t, r.Contains(0))
	assert.False(t, r.Contains(100))
}

func TestRangeContains_FullRing(t *testing.T) {
	r := FullRing()
	for _, tok := range []Token{MinToken, -1, 0, 1, MaxToken} {
		assert.True(t, r.Contains(tok))
	}
}

func TestBounds_Intersects(t *testing.T) {
	r := NewRange(10, 20)

	tests := []struct {
		name   string
		bounds Bounds
		want   bool
	}{
		{"entirely before", Bounds{0, 10}, false},
		{"touches right edge", Bounds{20, 30}, true},
		{"entirely after", Bounds{21, 30}, false},
		{"inside", Bounds{12, 15}, true},
		{"covers", Bounds{0, 100}, true},
		{"inverted bounds", Bounds{15, 12}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.bounds.Intersects(r))
		})
	}
}

func TestBoundsIntersects_WrapAround(t *testing.T) {
	r := NewRange(100, -100)
	assert.True(t, Bounds{200, 300}.Intersects(r))
	assert.True(t, Bounds{-500, -200}.Intersects(r))
	assert.False(t, Bounds{-50, 50}.Intersects(r))
	assert.True(t, Bounds{-50, 150}.Intersects(r))
}

func TestTokenOf_IsStable(t *testing.T) {
	assert.Equal(t, TokenOfString("user:42"), TokenOf([]byte("user:42")))
	assert.NotEqual(t, TokenOfString("user:42"), TokenOfString("user:43"))
}

func TestRange_Parse(t *testing.T) {
	tests := []struct {
		in      string
		want    Range
		wantErr bool
	}{
		{in: "-100:200", want: NewRange(-100, 200)},
		{in: "(5,-5]", want: NewRange(5, -5)},
		{in: FullRing().String(), want: FullRing()},
		{in: "100", wantErr: true},
		{in: "a:b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRange(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
