package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	random := make([]byte, 4099)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("failed to generate data: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"one byte", []byte{0x41}},
		{"two bytes", []byte{0x00, 0xff}},
		{"three bytes", []byte("abc")},
		{"utf8", []byte("Grüße, 世界 👋")},
		{"random", random},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.data)
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !bytes.Equal(decoded, tt.data) {
				t.Fatalf("round trip mismatch for %q", tt.name)
			}
		})
	}
}

func TestEncode_Padding(t *testing.T) {
	assert.Equal(t, "", Encode(nil))
	assert.Equal(t, "QQ==", Encode([]byte("A")))
	assert.Equal(t, "QUI=", Encode([]byte("AB")))
	assert.Equal(t, "QUJD", Encode([]byte("ABC")))
	assert.Equal(t, "SGVsbG8=", EncodeString("Hello"))
}

func TestDecode_RejectsInvalid(t *testing.T) {
	_, err := Decode("not*base64!")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidBase64))
}

func TestDecodeLenient(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []byte
	}{
		{"clean", "SGVsbG8=", []byte("Hello")},
		{"whitespace and newlines", "SGVs\nbG8=\r\n", []byte("Hello")},
		{"missing padding", "SGVsbG8", []byte("Hello")},
		{"junk characters", "S*G-V_s b$G8", []byte("Hello")},
		{"dangling symbol", "QUJDR", []byte("ABC")},
		{"empty", "", []byte{}},
		{"only junk", "!!!***", []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeLenient(tt.input)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUTF16_SurrogatePairs(t *testing.T) {
	units := utf16.Encode([]rune("a😀b"))
	require.Len(t, units, 4, "emoji should need a surrogate pair")

	encoded := EncodeUTF16(units)
	assert.Equal(t, EncodeString("a😀b"), encoded)

	decoded, err := DecodeUTF16(encoded)
	require.NoError(t, err)
	assert.Equal(t, units, decoded)
}

func TestUTF16_LoneSurrogate(t *testing.T) {
	encoded := EncodeUTF16([]uint16{0x61, 0xD800, 0x62})
	decoded, err := DecodeUTF16(encoded)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x61, 0xFFFD, 0x62}, decoded)
}

func TestLooksLikeBase64(t *testing.T) {
	long := Encode(bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 200))

	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"short valid", "QUJD", true},
		{"padded", "QQ==", true},
		{"long valid", long, true},
		{"long with trailing newline", long + "\n", true},
		{"empty", "", false},
		{"binary garbage", "\x00\x01\x02\xff", false},
		{"bad length", "QUJDR", false},
		{"inner whitespace", "QU JD", false},
		{"prose", strings.Repeat("hello world ", 20), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeBase64(tt.input); got != tt.want {
				t.Errorf("LooksLikeBase64(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}
