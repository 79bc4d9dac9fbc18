// properties.go

// A message begins with a property block, present only in the first frame
// and placed before any body bytes:
//
//	varint(length) || repeated( string(key) NUL string(value) NUL )
//
// Strings are UTF-8. Frequently used strings are abbreviated to a single
// byte index into a fixed table; the tables on both peers must match
// byte-for-byte since compatibility depends on positional indexing.

package blip

import (
	"bytes"

	"github.com/pkg/errors"
)

// Properties is the string key/value map carried at the head of a message.
type Properties map[string]string

// Well-known property names.
const (
	PropertyProfile     = "Profile"
	PropertyErrorCode   = "Error-Code"
	PropertyErrorDomain = "Error-Domain"
	PropertyContentType = "Content-Type"
)

var propertyAbbreviations = []string{
	PropertyProfile,
	PropertyErrorCode,
	PropertyErrorDomain,
	PropertyContentType,
	"application/json",
	"application/octet-stream",
	"text/plain; charset=UTF-8",
	"text/xml",
	"Accept",
	"Cache-Control",
	"must-revalidate",
	"If-Match",
	"If-None-Match",
	"Location",
}

var propertyAbbreviationIndex = map[string]byte{}

func init() {
	for i, s := range propertyAbbreviations {
		propertyAbbreviationIndex[s] = byte(i + 1)
	}
}

// appendPropertyString appends one property token: the single-byte
// abbreviation if the string exactly matches a table entry, otherwise the
// UTF-8 bytes, always followed by NUL.
func appendPropertyString(b []byte, s string) []byte {
	if i, ok := propertyAbbreviationIndex[s]; ok {
		return append(b, i, 0)
	}
	b = append(b, s...)
	return append(b, 0)
}

// AppendProperties appends the encoded property block for p.
func (fd *FrameData) AppendProperties(p Properties) {
	var block []byte
	for k, v := range p {
		block = appendPropertyString(block, k)
		block = appendPropertyString(block, v)
	}
	fd.WriteUvarint(uint64(len(block)))
	*fd = append(*fd, block...)
}

// decodePropertyString maps a single token back to its string. A token whose
// first byte is below 0x20 is an abbreviation table index.
func decodePropertyString(tok []byte) (s string, err error) {
	if len(tok) > 0 && tok[0] < 0x20 {
		if len(tok) != 1 {
			return "", errors.Wrapf(ErrBadData{}, "embedded control byte in property string %q", tok)
		}
		i := int(tok[0])
		if i > len(propertyAbbreviations) {
			return "", errors.Wrapf(ErrBadData{}, "property abbreviation %d out of range", i)
		}
		return propertyAbbreviations[i-1], nil
	}
	return string(tok), nil
}

// readProperties decodes a property block from the start of b. If b does not
// yet hold the complete block, it returns a nil map, zero consumed bytes and
// no error, leaving the buffer untouched. On success it returns the decoded
// map and the number of bytes consumed.
func readProperties(b []byte) (p Properties, n int, err error) {
	size, vn := readUvarint(b)
	if vn == 0 {
		if len(b) >= 10 {
			err = errors.Wrap(ErrBadData{}, "bad property block length varint")
		}
		return
	}
	if uint64(len(b)-vn) < size {
		// not yet complete
		return
	}
	block := b[vn : vn+int(size)]
	n = vn + int(size)
	p = Properties{}
	for len(block) > 0 {
		var toks [2][]byte
		for i := range toks {
			z := bytes.IndexByte(block, 0)
			if z < 0 {
				return nil, 0, errors.Wrap(ErrBadData{}, "unterminated property string")
			}
			toks[i] = block[:z]
			block = block[z+1:]
		}
		var k, v string
		if k, err = decodePropertyString(toks[0]); err != nil {
			return nil, 0, err
		}
		if v, err = decodePropertyString(toks[1]); err != nil {
			return nil, 0, err
		}
		p[k] = v
	}
	return
}
