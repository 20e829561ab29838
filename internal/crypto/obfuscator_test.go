package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestXOR_RoundTrip(t *testing.T) {
	data := make([]byte, 1000)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("failed to generate data: %v", err)
	}

	keys := [][]byte{
		[]byte("k"),
		[]byte("short"),
		[]byte("a-key-that-is-longer-than-the-payload-itself-by-quite-a-few-bytes"),
	}

	for _, key := range keys {
		out := XOR(XOR(data, key), key)
		if !bytes.Equal(out, data) {
			t.Fatalf("round trip failed for key length %d", len(key))
		}
	}
}

func TestXOR_LengthPreserved(t *testing.T) {
	for _, n := range []int{0, 1, 5, 63, 64, 65, 1 << 16} {
		if got := len(XOR(make([]byte, n), []byte("key"))); got != n {
			t.Fatalf("expected length %d, got %d", n, got)
		}
	}
}

func TestXOR_CyclesKey(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x00, 0x00}
	got := XOR(data, []byte{0x01, 0x02})
	want := []byte{0x01, 0x02, 0x01, 0x02, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestXOR_EmptyKeyCopies(t *testing.T) {
	data := []byte("unchanged")
	out := XOR(data, nil)
	if !bytes.Equal(out, data) {
		t.Fatalf("expected copy of input, got %q", out)
	}
	out[0] = 'X'
	if data[0] != 'u' {
		t.Fatal("XOR must not alias its input")
	}
}

func TestXORCipher_SealOpen(t *testing.T) {
	c, err := NewCipher(AlgorithmXOR)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	key := []byte("abcdefghij")

	sealed, err := c.Seal([]byte("SGVsbG8gV29ybGQ="), key)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	opened, err := c.Open(sealed, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(opened) != "SGVsbG8gV29ybGQ=" {
		t.Fatalf("unexpected plaintext %q", opened)
	}
}
