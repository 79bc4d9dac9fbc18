package blip

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeProperties(p Properties) []byte {
	var fd FrameData
	fd.AppendProperties(p)
	return fd
}

func Test_Properties_roundtrip(t *testing.T) {
	maps := []Properties{
		{},
		{"Profile": "echo"},
		{"Profile": "sync", "Content-Type": "application/json"},
		{"key": "value", "empty": "", "unicode": "héllo wörld"},
		{"Error-Code": "404", "Error-Domain": "HTTP", "Location": "Location"},
	}
	for _, p := range maps {
		b := encodeProperties(p)
		got, n, err := readProperties(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, p, got)
	}
}

func Test_Properties_abbreviations_are_single_bytes(t *testing.T) {
	b := encodeProperties(Properties{"Profile": "echo"})
	// varint(len) + 0x01 NUL + "echo" NUL
	require.Equal(t, byte(7), b[0])
	assert.Equal(t, []byte{0x01, 0x00, 'e', 'c', 'h', 'o', 0x00}, []byte(b[1:]))
}

func Test_Properties_abbreviation_table(t *testing.T) {
	// compatibility depends on positional indexing, so pin the table
	require.Len(t, propertyAbbreviations, 14)
	assert.Equal(t, "Profile", propertyAbbreviations[0])
	assert.Equal(t, "Error-Code", propertyAbbreviations[1])
	assert.Equal(t, "Error-Domain", propertyAbbreviations[2])
	assert.Equal(t, "Content-Type", propertyAbbreviations[3])
	assert.Equal(t, "application/json", propertyAbbreviations[4])
	assert.Equal(t, "application/octet-stream", propertyAbbreviations[5])
	assert.Equal(t, "text/plain; charset=UTF-8", propertyAbbreviations[6])
	assert.Equal(t, "text/xml", propertyAbbreviations[7])
	assert.Equal(t, "Accept", propertyAbbreviations[8])
	assert.Equal(t, "Cache-Control", propertyAbbreviations[9])
	assert.Equal(t, "must-revalidate", propertyAbbreviations[10])
	assert.Equal(t, "If-Match", propertyAbbreviations[11])
	assert.Equal(t, "If-None-Match", propertyAbbreviations[12])
	assert.Equal(t, "Location", propertyAbbreviations[13])
}

func Test_Properties_partial_buffer(t *testing.T) {
	b := encodeProperties(Properties{"Profile": "echo", "Content-Type": "text/xml"})
	for i := 0; i < len(b); i++ {
		p, n, err := readProperties(b[:i])
		assert.NoError(t, err, "prefix %d", i)
		assert.Nil(t, p, "prefix %d", i)
		assert.Zero(t, n, "prefix %d", i)
	}
	p, n, err := readProperties(b)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, "echo", p["Profile"])
}

func Test_Properties_trailing_bytes_left_alone(t *testing.T) {
	b := encodeProperties(Properties{"Profile": "echo"})
	b = append(b, "body bytes"...)
	p, n, err := readProperties(b)
	require.NoError(t, err)
	assert.Equal(t, "echo", p["Profile"])
	assert.Equal(t, "body bytes", string(b[n:]))
}

func Test_Properties_bad_abbreviation_index(t *testing.T) {
	b := FrameData{}
	b.WriteUvarint(4)
	b = append(b, 0x0F, 0x00, 'x', 0x00) // index 15 is out of range
	_, _, err := readProperties(b)
	assert.Error(t, err)
	assert.Equal(t, ErrBadData{}, errors.Cause(err))
}

func Test_Properties_embedded_control_byte(t *testing.T) {
	b := FrameData{}
	b.WriteUvarint(5)
	b = append(b, 0x01, 'x', 0x00, 'y', 0x00)
	_, _, err := readProperties(b)
	assert.Error(t, err)
}

func Test_Properties_unterminated_string(t *testing.T) {
	b := FrameData{}
	b.WriteUvarint(3)
	b = append(b, 'a', 'b', 'c')
	_, _, err := readProperties(b)
	assert.Error(t, err)
}

func Test_Properties_odd_token_count(t *testing.T) {
	b := FrameData{}
	b.WriteUvarint(2)
	b = append(b, 'k', 0x00)
	_, _, err := readProperties(b)
	assert.Error(t, err)
}
