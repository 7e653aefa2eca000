package marker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidEncoding = errors.New("invalid marker encoding")
	ErrCodeOutOfRange  = errors.New("marker code out of range")
)

// Encoding selects how a code is turned into bytes on the hardware line.
type Encoding string

const (
	// EncodingRaw writes the code as a single byte.
	EncodingRaw Encoding = "raw"
	// EncodingUTF8 writes the UTF-8 encoding of the code point, which is
	// two bytes for codes from 128 up.
	EncodingUTF8 Encoding = "utf8"
)

func ParseEncoding(v string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(v))) {
	case EncodingRaw, "":
		return EncodingRaw, nil
	case EncodingUTF8, "utf-8":
		return EncodingUTF8, nil
	default:
		return "", fmt.Errorf("%w: %q (expected raw|utf8)", ErrInvalidEncoding, v)
	}
}

// Encode returns the bytes of code under enc.
func Encode(code int, enc Encoding) ([]byte, error) {
	if code < MinCode || code > MaxCode {
		return nil, fmt.Errorf("%w: %d", ErrCodeOutOfRange, code)
	}
	switch enc {
	case EncodingRaw:
		return []byte{byte(code)}, nil
	case EncodingUTF8:
		buf := make([]byte, utf8.RuneLen(rune(code)))
		utf8.EncodeRune(buf, rune(code))
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEncoding, enc)
	}
}
