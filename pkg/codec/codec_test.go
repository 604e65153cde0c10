package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	c := New(key)

	plaintext := []byte("the quick brown fox")
	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptDetectsTampering(t *testing.T) {
	var key [KeySize]byte
	c := New(key)

	ciphertext, err := c.Encrypt([]byte("hello"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = c.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaabbbbbbbbbbbbbbbbbbbbbbbbbb")
	compressed, err := Compress(data)
	require.NoError(t, err)

	out, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecompressCorruptData(t *testing.T) {
	_, err := Decompress([]byte("not a zlib stream"))
	assert.Error(t, err)
}

func TestChecksumGistIsOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"summary": "hi", "keywords": []interface{}{"a", "b"}}
	b := map[string]interface{}{"keywords": []interface{}{"a", "b"}, "summary": "hi"}

	sumA, err := ChecksumGist(a)
	require.NoError(t, err)
	sumB, err := ChecksumGist(b)
	require.NoError(t, err)
	assert.Equal(t, sumA, sumB)
}

func TestChecksumGistChangesWithContent(t *testing.T) {
	a := map[string]interface{}{"summary": "hi"}
	b := map[string]interface{}{"summary": "bye"}

	sumA, err := ChecksumGist(a)
	require.NoError(t, err)
	sumB, err := ChecksumGist(b)
	require.NoError(t, err)
	assert.NotEqual(t, sumA, sumB)
}

func TestLoadKeyRejectsWrongLength(t *testing.T) {
	_, err := LoadKey("dG9vc2hvcnQ=")
	assert.Error(t, err)
}
