package crypto

// XOR combines data with key byte by byte, cycling the key. The result has
// the same length as data. An empty key yields an unchanged copy. Applying
// XOR twice with the same key restores the input.
//
// This is obfuscation, not encryption: it hides content from casual
// inspection in transit and at rest but offers no integrity or
// confidentiality against an attacker who has one known plaintext.
func XOR(data, key []byte) []byte {
	out := make([]byte, len(data))
	if len(key) == 0 {
		copy(out, data)
		return out
	}
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

type xorCipher struct{}

func (xorCipher) Algorithm() string { return AlgorithmXOR }

func (xorCipher) Version() string { return VersionXOR }

func (xorCipher) Seal(plaintext, key []byte) ([]byte, error) {
	return XOR(plaintext, key), nil
}

func (xorCipher) Open(ciphertext, key []byte) ([]byte, error) {
	return XOR(ciphertext, key), nil
}
