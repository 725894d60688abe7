// This package is a small bencode encoding/decoding library. Struct fields are mapped to
// dictionary keys with `bencode:".."` tags and written in sorted key order. A nil pointer field is
// left out of the dictionary and decodes back to nil, which is how optional values are carried.
package bencode

const (
	numberStart    = 0x69
	dictStart      = 0x64
	listStart      = 0x6c
	bencodeEnd     = 0x65
	bytesLengthSep = 0x3a

	maxLength = 1 << 24
)
