// Package codec implements the Base64 text encoding used for secure upload
// envelopes, including a lenient decoder for payloads of unknown provenance.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	// probeLength is the number of leading characters used to probe a
	// candidate with a strict decode.
	probeLength = 100
)

// ErrInvalidBase64 is returned by the strict decoder.
var ErrInvalidBase64 = errors.New("invalid base64 input")

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// Encode encodes data using the standard padded alphabet.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// EncodeString encodes the UTF-8 bytes of text.
func EncodeString(text string) string {
	return Encode([]byte(text))
}

// Decode strictly decodes s. Surrounding whitespace is ignored.
func Decode(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	return out, nil
}

// DecodeLenient decodes s on a best-effort basis and never fails.
// Characters outside the alphabet are skipped, padding is honoured only as a
// terminator and a dangling 6-bit group is dropped.
func DecodeLenient(s string) []byte {
	out := make([]byte, 0, len(s)*3/4)

	var acc uint32
	bits := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '=' {
			break
		}
		v, ok := decodeSymbol(c)
		if !ok {
			continue
		}
		acc = acc<<6 | uint32(v)
		bits += 6
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>uint(bits)))
			acc &= (1 << uint(bits)) - 1
		}
	}
	return out
}

func decodeSymbol(c byte) (byte, bool) {
	switch {
	case c >= 'A' && c <= 'Z':
		return c - 'A', true
	case c >= 'a' && c <= 'z':
		return c - 'a' + 26, true
	case c >= '0' && c <= '9':
		return c - '0' + 52, true
	case c == '+':
		return 62, true
	case c == '/':
		return 63, true
	}
	return 0, false
}

// EncodeUTF16 encodes UTF-16 code units as Base64 of their UTF-8 form.
// Surrogate pairs are combined first; lone surrogates become U+FFFD.
func EncodeUTF16(units []uint16) string {
	return EncodeString(string(utf16.Decode(units)))
}

// DecodeUTF16 reverses EncodeUTF16. Invalid UTF-8 sequences in the decoded
// payload become U+FFFD.
func DecodeUTF16(s string) ([]uint16, error) {
	raw, err := Decode(s)
	if err != nil {
		return nil, err
	}
	runes := make([]rune, 0, utf8.RuneCount(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		runes = append(runes, r)
		raw = raw[size:]
	}
	return utf16.Encode(runes), nil
}

// LooksLikeBase64 reports whether s is plausibly a Base64 payload: the whole
// string must match the alphabet and a leading sample must decode strictly.
func LooksLikeBase64(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || !base64Pattern.MatchString(s) {
		return false
	}

	sample := s
	if len(sample) > probeLength {
		sample = sample[:probeLength-probeLength%4]
	} else if len(sample)%4 != 0 {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(sample)
	return err == nil
}
