// Package codec implements the crypto and compression primitives of
// spec §4.1 (Component A): authenticated symmetric encryption, a
// DEFLATE-family compressor, and a canonical SHA-256 checksum over a
// gist's serialized form.
package codec

import (
	"bytes"
	"compress/zlib"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sablehq/metamind/pkg/apperrors"
	"github.com/sablehq/metamind/pkg/logging"
)

// KeySize is the required symmetric key length in bytes.
const KeySize = chacha20poly1305.KeySize // 32

// Codec bundles the key-derived AEAD cipher used for every HAM record.
type Codec struct {
	key [KeySize]byte
}

// LoadKey decodes a URL-safe base64 32-byte key, as read from
// symmetric_key (spec §6.3). An empty string means "no key configured"
// and the caller (cmd/metamindd) generates a process-lifetime key and warns.
func LoadKey(b64 string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := base64.URLEncoding.DecodeString(b64)
	if err != nil {
		return key, fmt.Errorf("codec: invalid base64 key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("codec: key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// GenerateEphemeralKey creates a random process-lifetime key and logs a
// warning, per spec §4.1: records written with it are unreadable after
// restart.
func GenerateEphemeralKey(logger logging.Logger) ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("codec: generate ephemeral key: %w", err)
	}
	if logger != nil {
		logger.Warn("no symmetric_key configured; generated a process-lifetime key", map[string]interface{}{
			"operation": "codec.generate_ephemeral_key",
			"warning":   "records written with this key are unreadable after restart",
		})
	}
	return key, nil
}

// New constructs a Codec from a raw key.
func New(key [KeySize]byte) *Codec {
	return &Codec{key: key}
}

// Encrypt authenticates and encrypts plaintext, returning nonce||ciphertext.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("codec: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// Decrypt verifies and decrypts a nonce||ciphertext blob produced by
// Encrypt. Tampering (or a wrong key) surfaces as apperrors.ErrIntegrity,
// never a silently-wrong plaintext.
func (c *Codec) Decrypt(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: init aead: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, apperrors.New("codec.Decrypt", apperrors.ErrIntegrity, fmt.Errorf("ciphertext too short"))
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.New("codec.Decrypt", apperrors.ErrIntegrity, err)
	}
	return plaintext, nil
}

// Compress applies zlib (DEFLATE-family) compression at a fixed level.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("codec: init compressor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: flush compressor: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress, surfacing apperrors.ErrCorruption on any
// malformed stream.
func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.New("codec.Decompress", apperrors.ErrCorruption, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.New("codec.Decompress", apperrors.ErrCorruption, err)
	}
	return out, nil
}

// ChecksumGist computes the SHA-256 hex digest of a gist's canonical
// serialization: keys sorted, then marshaled, so the same gist always
// hashes identically regardless of map iteration order.
func ChecksumGist(gist map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(gist)
	if err != nil {
		return "", fmt.Errorf("codec: canonicalize gist: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum), nil
}

// CanonicalJSON serializes a map with keys sorted so the output is
// deterministic across processes and Go versions.
func CanonicalJSON(v map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalCanonical(v[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalCanonical(v interface{}) ([]byte, error) {
	if m, ok := v.(map[string]interface{}); ok {
		return CanonicalJSON(m)
	}
	if arr, ok := v.([]interface{}); ok {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := marshalCanonical(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	}
	return json.Marshal(v)
}
