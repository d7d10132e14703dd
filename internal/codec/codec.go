// Package codec implements the encode kernel adapter (C2): the thin
// boundary between the pipeline and the actual chunk codec (compress +
// encrypt + erasure-code + fragment digest). Per §4.2 this is documented as
// an external black box from the pipeline's point of view — Kernel is the
// interface the pipeline depends on; kernelImpl is one concrete, in-process
// implementation of it, wired to real compression/cipher/erasure libraries
// so the rest of the engine can be exercised end to end.
package codec

import (
	"context"
	"fmt"

	"github.com/kenchrcum/ioengine/internal/model"
)

// FragmentPayload is a fragment's ciphertext bytes plus the metadata the
// pipeline persists. Payload must not be retained by the caller past the
// write step — it is released immediately after the write completes, per
// the adapter contract in §4.2.
type FragmentPayload struct {
	Kind    model.FragmentKind
	Index   int
	Digest  []byte
	Payload []byte
}

// EncodeResult is everything the map client (C4) needs to allocate and
// write a chunk.
type EncodeResult struct {
	ContentDigest  []byte
	CompressedSize int64
	CipherKey      []byte
	CipherIV       []byte
	Fragments      []FragmentPayload
}

// FragmentInput is one fragment available to Decode, ordered by the caller
// according to the read path's fetch priority (data fragments first).
type FragmentInput struct {
	Kind    model.FragmentKind
	Index   int
	Payload []byte
}

// Kernel is the encode/decode boundary consumed by the upload and read
// pipelines. Callers must not retain the plaintext passed to Encode past
// the call, and must not retain fragment payloads past Decode.
type Kernel interface {
	Encode(ctx context.Context, plaintext []byte, cfg model.ChunkCoderConfig) (*EncodeResult, error)
	// Decode reconstructs the plaintext from the supplied fragments.
	// cipherKey/cipherIV are the Chunk's own attributes (§3), required
	// only when cfg.Cipher is set.
	Decode(ctx context.Context, fragments []FragmentInput, cfg model.ChunkCoderConfig, cipherKey, cipherIV []byte, plaintextSize int64) ([]byte, error)
	// DecodeSized is Decode plus the chunk's compressed_size attribute,
	// letting the kernel trim fixed-width erasure-shard padding exactly;
	// Decode does not trim that padding. Read-path callers
	// that have the chunk record on hand should always prefer this.
	DecodeSized(ctx context.Context, fragments []FragmentInput, cfg model.ChunkCoderConfig, cipherKey, cipherIV []byte, encodedSize, plaintextSize int64) ([]byte, error)
}

// ErrInsufficientFragments is returned by Decode when fewer than
// cfg.DataFrags usable fragments are supplied.
type ErrInsufficientFragments struct {
	Have, Want int
}

func (e *ErrInsufficientFragments) Error() string {
	return fmt.Sprintf("codec: %d fragments available, need %d data fragments to reconstruct", e.Have, e.Want)
}
