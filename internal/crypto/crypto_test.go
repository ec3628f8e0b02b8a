package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const testKEK = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(testKEK)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func TestNewPipelineRejectsBadKEK(t *testing.T) {
	tests := []struct {
		name string
		kek  string
	}{
		{"empty", ""},
		{"short", "abcd"},
		{"not hex", strings.Repeat("zz", 32)},
		{"too long", testKEK + "00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPipeline(tt.kek); !errors.Is(err, ErrBadKEK) {
				t.Fatalf("got %v, want ErrBadKEK", err)
			}
		})
	}
}

func TestWrappedDEKRoundTrip(t *testing.T) {
	p := newTestPipeline(t)

	wrapped, dekID, err := p.IssueWrappedDEK()
	if err != nil {
		t.Fatalf("IssueWrappedDEK: %v", err)
	}
	if len(dekID) != 32 {
		t.Errorf("dek id length = %d, want 32 hex chars", len(dekID))
	}

	dek, err := p.UnwrapDEK(wrapped)
	if err != nil {
		t.Fatalf("UnwrapDEK: %v", err)
	}
	if len(dek) != 32 {
		t.Errorf("dek length = %d, want 32", len(dek))
	}

	// Two issues never produce the same wrapped form.
	wrapped2, _, err := p.IssueWrappedDEK()
	if err != nil {
		t.Fatalf("IssueWrappedDEK: %v", err)
	}
	if wrapped == wrapped2 {
		t.Error("two issued DEKs have identical wrapped form")
	}
}

func TestUnwrapDEKRejectsTampering(t *testing.T) {
	p := newTestPipeline(t)
	wrapped, _, err := p.IssueWrappedDEK()
	if err != nil {
		t.Fatalf("IssueWrappedDEK: %v", err)
	}

	if _, err := p.UnwrapDEK("zz" + wrapped[2:]); !errors.Is(err, ErrMalformedDEK) {
		t.Errorf("non-hex: got %v, want ErrMalformedDEK", err)
	}
	if _, err := p.UnwrapDEK(wrapped[:20]); !errors.Is(err, ErrMalformedDEK) {
		t.Errorf("truncated: got %v, want ErrMalformedDEK", err)
	}

	// Flip one nibble of the ciphertext part.
	flipped := []byte(wrapped)
	last := len(flipped) - 1
	if flipped[last] == '0' {
		flipped[last] = '1'
	} else {
		flipped[last] = '0'
	}
	if _, err := p.UnwrapDEK(string(flipped)); !errors.Is(err, ErrAuth) {
		t.Errorf("flipped: got %v, want ErrAuth", err)
	}

	// A different KEK cannot unwrap.
	other, err := NewPipeline(strings.Repeat("ff", 32))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if _, err := other.UnwrapDEK(wrapped); !errors.Is(err, ErrAuth) {
		t.Errorf("wrong kek: got %v, want ErrAuth", err)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	p := newTestPipeline(t)
	wrapped, _, err := p.IssueWrappedDEK()
	if err != nil {
		t.Fatalf("IssueWrappedDEK: %v", err)
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	cc, err := p.EncryptChunk(plaintext, wrapped, "file-1", 0)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	if bytes.Equal(cc.Ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}
	if len(cc.IV) != 12 || len(cc.Tag) != 16 {
		t.Fatalf("iv/tag sizes = %d/%d, want 12/16", len(cc.IV), len(cc.Tag))
	}

	got, err := p.DecryptChunk(cc, wrapped, "file-1", 0)
	if err != nil {
		t.Fatalf("DecryptChunk: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestChunkKeysDifferPerChunk(t *testing.T) {
	p := newTestPipeline(t)
	wrapped, _, err := p.IssueWrappedDEK()
	if err != nil {
		t.Fatalf("IssueWrappedDEK: %v", err)
	}

	plaintext := []byte("identical plaintext")
	c0, err := p.EncryptChunk(plaintext, wrapped, "file-1", 0)
	if err != nil {
		t.Fatalf("EncryptChunk(0): %v", err)
	}
	c1, err := p.EncryptChunk(plaintext, wrapped, "file-1", 1)
	if err != nil {
		t.Fatalf("EncryptChunk(1): %v", err)
	}
	if bytes.Equal(c0.Ciphertext, c1.Ciphertext) {
		t.Error("chunks 0 and 1 produced identical ciphertext")
	}
	if bytes.Equal(c0.IV, c1.IV) {
		t.Error("chunks 0 and 1 share an IV")
	}
}

func TestDecryptChunkTamperMatrix(t *testing.T) {
	p := newTestPipeline(t)
	wrapped, _, err := p.IssueWrappedDEK()
	if err != nil {
		t.Fatalf("IssueWrappedDEK: %v", err)
	}
	cc, err := p.EncryptChunk([]byte("payload"), wrapped, "file-1", 3)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *ChunkCipher) (fileID string, index int)
		want   error
	}{
		{"flip ciphertext byte", func(c *ChunkCipher) (string, int) {
			c.Ciphertext = append([]byte(nil), c.Ciphertext...)
			c.Ciphertext[0] ^= 0x01
			return "file-1", 3
		}, ErrIntegrity},
		{"flip hash", func(c *ChunkCipher) (string, int) {
			c.CiphertextHash = append([]byte(nil), c.CiphertextHash...)
			c.CiphertextHash[0] ^= 0x01
			return "file-1", 3
		}, ErrIntegrity},
		{"flip tag", func(c *ChunkCipher) (string, int) {
			c.Tag = append([]byte(nil), c.Tag...)
			c.Tag[0] ^= 0x01
			return "file-1", 3
		}, ErrAuth},
		{"flip iv", func(c *ChunkCipher) (string, int) {
			c.IV = append([]byte(nil), c.IV...)
			c.IV[0] ^= 0x01
			return "file-1", 3
		}, ErrAuth},
		{"flip aad", func(c *ChunkCipher) (string, int) {
			c.AAD = append([]byte(nil), c.AAD...)
			c.AAD[0] ^= 0x01
			return "file-1", 3
		}, ErrAuth},
		{"wrong file id", func(c *ChunkCipher) (string, int) {
			return "file-2", 3
		}, ErrAuth},
		{"wrong chunk index", func(c *ChunkCipher) (string, int) {
			return "file-1", 4
		}, ErrAuth},
		{"short iv", func(c *ChunkCipher) (string, int) {
			c.IV = c.IV[:4]
			return "file-1", 3
		}, ErrBadInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := cc
			fileID, index := tt.mutate(&mutated)
			if _, err := p.DecryptChunk(mutated, wrapped, fileID, index); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeterministicIV(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	iv1 := DeriveChunkIV(key, "file-1", 2)
	iv2 := DeriveChunkIV(key, "file-1", 2)
	if !bytes.Equal(iv1, iv2) {
		t.Error("same inputs produced different IVs")
	}
	if bytes.Equal(iv1, DeriveChunkIV(key, "file-1", 3)) {
		t.Error("different chunk index produced same IV")
	}
}

func TestHexHelpers(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	enc := EncodeHex(raw)
	if enc != "deadbeef" {
		t.Fatalf("EncodeHex = %q", enc)
	}
	got, err := DecodeHex(enc)
	if err != nil {
		t.Fatalf("DecodeHex: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("round trip mismatch: %x", got)
	}
	if _, err := DecodeHex("not-hex"); !errors.Is(err, ErrBadInput) {
		t.Fatalf("got %v, want ErrBadInput", err)
	}
}
