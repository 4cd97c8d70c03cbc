package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"kitten", "kitten", 0},
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"flaw", "lawn", 2},
		{"café", "cafe", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, EditDistance(tt.a, tt.b))
			assert.Equal(t, tt.want, EditDistance(tt.b, tt.a))
		})
	}
}

func TestNormalizedSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, NormalizedSimilarity("", ""))
	assert.Equal(t, 1.0, NormalizedSimilarity("shell", "shell"))
	assert.Equal(t, 0.0, NormalizedSimilarity("", "abc"))
	assert.InDelta(t, 1.0-3.0/7.0, NormalizedSimilarity("kitten", "sitting"), 1e-12)
}

func TestJaro(t *testing.T) {
	assert.Equal(t, 1.0, Jaro("", ""))
	assert.Equal(t, 0.0, Jaro("abc", ""))
	assert.Equal(t, 0.0, Jaro("abc", "xyz"))
	assert.InDelta(t, 0.944444, Jaro("martha", "marhta"), 1e-6)
	assert.InDelta(t, 0.822222, Jaro("dwayne", "duane"), 1e-6)
	assert.InDelta(t, 0.766667, Jaro("dixon", "dicksonx"), 1e-6)
}

func TestJaroWinkler(t *testing.T) {
	assert.InDelta(t, 0.961111, JaroWinkler("martha", "marhta"), 1e-6)
	assert.InDelta(t, 0.840000, JaroWinkler("dwayne", "duane"), 1e-6)
	assert.InDelta(t, 0.813333, JaroWinkler("dixon", "dicksonx"), 1e-6)
	assert.Equal(t, 1.0, JaroWinkler("starbucks", "starbucks"))

	// prefix boost never exceeds the four-rune cap
	long := JaroWinkler("abcdefgh", "abcdefxy")
	jaro := Jaro("abcdefgh", "abcdefxy")
	assert.InDelta(t, jaro+0.4*(1-jaro), long, 1e-12)
}

func TestJaroWinkler_PrefixBoostBelowSeventy(t *testing.T) {
	jaro := Jaro("abcd", "abxy")
	require.InDelta(t, 2.0/3.0, jaro, 1e-9)
	assert.InDelta(t, jaro+2*0.1*(1-jaro), JaroWinkler("abcd", "abxy"), 1e-9)
}

func TestJaroWinklerBounds(t *testing.T) {
	pairs := [][2]string{
		{"amazon", "amazon prime"},
		{"wholefds", "whole foods"},
		{"a", "b"},
		{"uber eats", "uber trip"},
	}
	for _, p := range pairs {
		s := JaroWinkler(p[0], p[1])
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
		assert.GreaterOrEqual(t, s, Jaro(p[0], p[1]))
	}
}

func TestPhoneticKey(t *testing.T) {
	assert.Equal(t, "", PhoneticKey("   "))
	assert.Equal(t, PhoneticKey("smith"), PhoneticKey("smyth"))
	assert.Equal(t, PhoneticKey("starbucks coffee"), PhoneticKey("starbucks"))
	assert.NotEqual(t, PhoneticKey("shell"), PhoneticKey("target"))
}

func TestToleranceScore(t *testing.T) {
	assert.Equal(t, 1.0, ToleranceScore(0, 3))
	assert.InDelta(t, 2.0/3.0, ToleranceScore(1, 3), 1e-12)
	assert.InDelta(t, 2.0/3.0, ToleranceScore(-1, 3), 1e-12)
	assert.Equal(t, 0.0, ToleranceScore(3, 3))
	assert.Equal(t, 0.0, ToleranceScore(4, 3))
	assert.Equal(t, 1.0, ToleranceScore(0, 0))
	assert.Equal(t, 0.0, ToleranceScore(0.5, 0))
}
