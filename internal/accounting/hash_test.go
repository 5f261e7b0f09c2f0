package accounting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLine(t *testing.T) {
	assert.Equal(t, "a,b,c", NormalizeLine("a,b,c\r\n"))
	assert.Equal(t, "a,b,c", NormalizeLine("  a,b,c\n"))
	assert.Equal(t, "a\nb", NormalizeLine("a\r\nb\r"))
}

func TestHashLineStableAcrossLineEndings(t *testing.T) {
	h1 := HashLine("d,user@gmail.com,250 ok\r\n")
	h2 := HashLine("d,user@gmail.com,250 ok\n")
	h3 := HashLine("d,user@gmail.com,250 ok")
	assert.Equal(t, h1, h2)
	assert.Equal(t, h2, h3)
	assert.Len(t, h1, 64)

	assert.NotEqual(t, h1, HashLine("d,other@gmail.com,250 ok"))
}

func TestNormalizeOutcome(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"d", "delivered"},
		{"delivered", "delivered"},
		{"Success", "delivered"},
		{"b", "bounced"},
		{"hard", "bounced"},
		{"soft", "bounced"},
		{"t", "deferred"},
		{"defer", "deferred"},
		{"transient", "deferred"},
		{"c", "complained"},
		{"FBL", "complained"},
		{"feedback", "complained"},
		{"", "unknown"},
		{"x", "unknown"},
		{"weird-type", "unknown"},
		{" D ", "delivered"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeOutcome(tt.in), "type %q", tt.in)
	}
}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, "abc123", NormalizeToken("abc123"))
	assert.Equal(t, "abc123", NormalizeToken(`"abc123"`))
	assert.Equal(t, "abc123", NormalizeToken("'abc123'"))
	assert.Equal(t, "abc123", NormalizeToken("Bearer abc123"))
	assert.Equal(t, "abc123", NormalizeToken(`"Bearer abc123"`))
	assert.Equal(t, "abc123", NormalizeToken("  bearer  abc123 "))
	assert.Equal(t, "", NormalizeToken(""))
}
