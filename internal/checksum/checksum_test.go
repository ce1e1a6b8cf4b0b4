package checksum

import (
	"hash/crc32"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumKnownValues(t *testing.T) {
	assert.Equal(t, "352441c2", Sum([]byte("abc")))
	assert.Equal(t, "0", Sum(nil))
	assert.Equal(t, "0", Sum([]byte{}))
}

func TestSumNoPadding(t *testing.T) {
	// The rendering drops leading zeros entirely, it never pads to a fixed
	// width.
	for _, in := range [][]byte{nil, []byte("i"), []byte("hello"), []byte("kamui"), {0x00}, {0xff, 0x00}} {
		s := Sum(in)
		if s != "0" {
			assert.NotEqual(t, byte('0'), s[0], "leading zero in %q", s)
		}
		assert.LessOrEqual(t, len(s), 8)
	}
}

func TestSumRoundTrip(t *testing.T) {
	for _, in := range [][]byte{nil, []byte("a"), []byte("hi"), []byte("some longer payload \x00\x01\x02")} {
		want := crc32.ChecksumIEEE(in)
		parsed, err := strconv.ParseUint(Sum(in), 16, 32)
		assert.Nil(t, err)
		assert.Equal(t, want, uint32(parsed))
	}
}
