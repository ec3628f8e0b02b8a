// Package crypto implements the chunk encryption pipeline.
//
// A process-wide key-encryption key (KEK) wraps per-file data-encryption
// keys (DEKs). Each chunk is encrypted under its own key derived from the
// file's DEK via HKDF-SHA256, with a deterministic IV bound to the chunk
// identity and the file/chunk identity bound as AEAD associated data.
// Storage devices only ever see opaque ciphertext.
//
// Key material is transient: unwrapped DEKs and derived chunk keys are
// zeroed before every return path.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
	dekIDSize = 16

	// aadVersion is bound into every chunk's associated data so the
	// encoding can evolve without silently accepting old material.
	aadVersion = 1
)

var (
	// ErrBadKEK is returned when the KEK is not 32 bytes of hex.
	ErrBadKEK = errors.New("kek must be 32 bytes of hex")
	// ErrMalformedDEK is returned when a wrapped DEK has the wrong shape.
	ErrMalformedDEK = errors.New("malformed wrapped dek")
	// ErrAuth is returned when an AEAD open fails (tag or AAD mismatch).
	ErrAuth = errors.New("authentication failed")
	// ErrIntegrity is returned when a ciphertext hash does not match.
	ErrIntegrity = errors.New("ciphertext hash mismatch")
	// ErrBadInput is returned for structurally invalid decrypt inputs.
	ErrBadInput = errors.New("invalid chunk cipher material")
)

// Pipeline performs all KEK/DEK operations. It is created once at startup
// and shared; it is safe for concurrent use.
type Pipeline struct {
	kek []byte
}

// NewPipeline parses a hex-encoded 32-byte KEK.
func NewPipeline(kekHex string) (*Pipeline, error) {
	kek, err := hex.DecodeString(kekHex)
	if err != nil || len(kek) != keySize {
		return nil, ErrBadKEK
	}
	return &Pipeline{kek: kek}, nil
}

// ChunkCipher is the output of EncryptChunk and the input to DecryptChunk.
// All fields are raw bytes; hex/base64 encoding happens at the wire and
// metadata boundaries.
type ChunkCipher struct {
	Ciphertext     []byte
	IV             []byte
	Tag            []byte
	AAD            []byte
	CiphertextHash []byte
}

// IssueWrappedDEK generates a fresh 32-byte DEK, wraps it under the KEK
// and returns the hex-encoded wrapped form (nonce || tag || ct) together
// with a random 16-byte key id. The plaintext DEK never leaves this
// function.
func (p *Pipeline) IssueWrappedDEK() (wrappedHex, dekID string, err error) {
	dek := make([]byte, keySize)
	if _, err := rand.Read(dek); err != nil {
		return "", "", fmt.Errorf("generate dek: %w", err)
	}
	defer zero(dek)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := newGCM(p.kek)
	if err != nil {
		return "", "", err
	}
	sealed := aead.Seal(nil, nonce, dek, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	wrapped := make([]byte, 0, nonceSize+tagSize+len(ct))
	wrapped = append(wrapped, nonce...)
	wrapped = append(wrapped, tag...)
	wrapped = append(wrapped, ct...)

	id := make([]byte, dekIDSize)
	if _, err := rand.Read(id); err != nil {
		return "", "", fmt.Errorf("generate dek id: %w", err)
	}
	return hex.EncodeToString(wrapped), hex.EncodeToString(id), nil
}

// UnwrapDEK reverses IssueWrappedDEK. The caller owns the returned key
// and must zero it when done.
func (p *Pipeline) UnwrapDEK(wrappedHex string) ([]byte, error) {
	wrapped, err := hex.DecodeString(wrappedHex)
	if err != nil {
		return nil, ErrMalformedDEK
	}
	if len(wrapped) != nonceSize+tagSize+keySize {
		return nil, ErrMalformedDEK
	}
	nonce := wrapped[:nonceSize]
	tag := wrapped[nonceSize : nonceSize+tagSize]
	ct := wrapped[nonceSize+tagSize:]

	aead, err := newGCM(p.kek)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	dek, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuth
	}
	return dek, nil
}

// DeriveChunkKey derives the per-chunk key from the file DEK. The salt is
// the file id and the info string carries the chunk index, so no two
// chunks of any file share a key. The caller must zero the result.
func DeriveChunkKey(dek []byte, fileID string, chunkIndex int) ([]byte, error) {
	r := hkdf.New(sha256.New, dek, []byte(fileID), []byte("chunk-"+strconv.Itoa(chunkIndex)))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive chunk key: %w", err)
	}
	return key, nil
}

// DeriveChunkIV derives a deterministic 12-byte IV bound to the chunk key
// and identity. Keys are unique per chunk, so the (key, IV) pair is never
// reused.
func DeriveChunkIV(key []byte, fileID string, chunkIndex int) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(fileID))
	mac.Write([]byte{byte(chunkIndex)})
	return mac.Sum(nil)[:nonceSize]
}

// chunkAAD builds the canonical associated-data encoding for a chunk.
// The field order is fixed; this is a wire format, not display JSON.
func chunkAAD(fileID string, chunkIndex int) []byte {
	return fmt.Appendf(nil, `{"chunk_index":%d,"file_id":%q,"version":%d}`, chunkIndex, fileID, aadVersion)
}

// EncryptChunk encrypts one chunk of plaintext under a key derived from
// the wrapped DEK. The associated data binds the ciphertext to its file
// and position, so replaying it under another identity fails to decrypt.
func (p *Pipeline) EncryptChunk(plaintext []byte, wrappedDEKHex, fileID string, chunkIndex int) (ChunkCipher, error) {
	dek, err := p.UnwrapDEK(wrappedDEKHex)
	if err != nil {
		return ChunkCipher{}, err
	}
	defer zero(dek)

	key, err := DeriveChunkKey(dek, fileID, chunkIndex)
	if err != nil {
		return ChunkCipher{}, err
	}
	defer zero(key)

	iv := DeriveChunkIV(key, fileID, chunkIndex)
	aad := chunkAAD(fileID, chunkIndex)

	aead, err := newGCM(key)
	if err != nil {
		return ChunkCipher{}, err
	}
	sealed := aead.Seal(nil, iv, plaintext, aad)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	hash := sha256.Sum256(ct)

	return ChunkCipher{
		Ciphertext:     ct,
		IV:             iv,
		Tag:            tag,
		AAD:            aad,
		CiphertextHash: hash[:],
	}, nil
}

// DecryptChunk reverses EncryptChunk. It fails with ErrIntegrity when the
// ciphertext hash does not match, and ErrAuth when the AEAD rejects the
// tag or associated data. Any single-bit change to the ciphertext, IV,
// tag, AAD, file id or chunk index makes it fail.
func (p *Pipeline) DecryptChunk(in ChunkCipher, wrappedDEKHex, fileID string, chunkIndex int) ([]byte, error) {
	if len(in.IV) != nonceSize || len(in.Tag) != tagSize {
		return nil, ErrBadInput
	}
	hash := sha256.Sum256(in.Ciphertext)
	if subtle.ConstantTimeCompare(hash[:], in.CiphertextHash) != 1 {
		return nil, ErrIntegrity
	}

	dek, err := p.UnwrapDEK(wrappedDEKHex)
	if err != nil {
		return nil, err
	}
	defer zero(dek)

	key, err := DeriveChunkKey(dek, fileID, chunkIndex)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(in.Ciphertext)+tagSize)
	sealed = append(sealed, in.Ciphertext...)
	sealed = append(sealed, in.Tag...)
	plaintext, err := aead.Open(nil, in.IV, sealed, in.AAD)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}

// Hash returns the SHA-256 of buf, hex encoded. Used for whole-file
// plaintext hashes and ciphertext checksums.
func Hash(buf []byte) string {
	h := sha256.Sum256(buf)
	return hex.EncodeToString(h[:])
}

// EncodeHex and DecodeHex convert AEAD material at the metadata and wire
// boundaries. Inside the pipeline everything is raw bytes.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeHex reverses EncodeHex. Malformed input is ErrBadInput.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrBadInput
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
