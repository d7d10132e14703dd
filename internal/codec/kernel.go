package codec

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/reedsolomon"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kenchrcum/ioengine/internal/model"
)

// kernelImpl is the concrete, bounded-concurrency encode kernel: blake3 for
// per-chunk and per-fragment digests, zstd for optional compression,
// ChaCha20-Poly1305 for the per-chunk AEAD cipher, and Reed-Solomon for
// data/parity erasure coding with a simple XOR-group local-reconstruction
// layer on top.
type kernelImpl struct {
	workers chan struct{}
}

// NewKernel builds a Kernel bounded to concurrency simultaneous
// encode/decode calls, per the "adapter runs on a bounded worker pool"
// contract in §4.2.
func NewKernel(concurrency int) Kernel {
	if concurrency < 1 {
		concurrency = 1
	}
	return &kernelImpl{workers: make(chan struct{}, concurrency)}
}

func (k *kernelImpl) acquire(ctx context.Context) error {
	select {
	case k.workers <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *kernelImpl) release() { <-k.workers }

func newFragmentHasher(digestType string) (hash.Hash, string) {
	if digestType == "" {
		digestType = "blake3"
	}
	switch digestType {
	case "blake3":
		return blake3.New(), "blake3"
	default:
		return blake3.New(), "blake3"
	}
}

// DigestFragment recomputes a fragment digest the same way Encode does, so
// callers on the read side (verification mode) can detect tampering without
// duplicating the hash selection logic.
func DigestFragment(digestType string, payload []byte) []byte {
	h, _ := newFragmentHasher(digestType)
	h.Write(payload)
	return h.Sum(nil)
}

func (k *kernelImpl) Encode(ctx context.Context, plaintext []byte, cfg model.ChunkCoderConfig) (*EncodeResult, error) {
	if err := k.acquire(ctx); err != nil {
		return nil, err
	}
	defer k.release()

	contentHasher := blake3.New()
	contentHasher.Write(plaintext)
	contentDigest := contentHasher.Sum(nil)

	payload := plaintext
	if cfg.Compress {
		compressed, err := compress(payload, cfg.CompressAlgo)
		if err != nil {
			return nil, fmt.Errorf("codec: compress: %w", err)
		}
		payload = compressed
	}

	var key, iv []byte
	if cfg.Cipher {
		var err error
		payload, key, iv, err = encryptChunk(payload)
		if err != nil {
			return nil, fmt.Errorf("codec: encrypt: %w", err)
		}
	}
	// compressedSize records the exact byte length fed to erasure coding
	// (after compression and encryption), so Decode can trim the
	// fixed-width shard padding before reversing the cipher/compress steps.
	compressedSize := int64(len(payload))

	shards, err := erasureEncode(payload, cfg.DataFrags, cfg.ParityFrags)
	if err != nil {
		return nil, fmt.Errorf("codec: erasure encode: %w", err)
	}

	lrc := buildLRC(shards[:cfg.DataFrags], cfg.LRCFrags)

	fragments := make([]FragmentPayload, 0, len(shards)+len(lrc))
	for i := 0; i < cfg.DataFrags; i++ {
		fragments = append(fragments, fragmentOf(model.FragmentData, i, shards[i], cfg.FragDigestType))
	}
	for i := 0; i < cfg.ParityFrags; i++ {
		fragments = append(fragments, fragmentOf(model.FragmentParity, i, shards[cfg.DataFrags+i], cfg.FragDigestType))
	}
	for i, l := range lrc {
		fragments = append(fragments, fragmentOf(model.FragmentLocalReconstruction, i, l, cfg.FragDigestType))
	}

	return &EncodeResult{
		ContentDigest:  contentDigest,
		CompressedSize: compressedSize,
		CipherKey:      key,
		CipherIV:       iv,
		Fragments:      fragments,
	}, nil
}

func fragmentOf(kind model.FragmentKind, index int, payload []byte, digestType string) FragmentPayload {
	h, _ := newFragmentHasher(digestType)
	h.Write(payload)
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return FragmentPayload{Kind: kind, Index: index, Digest: h.Sum(nil), Payload: buf}
}

func (k *kernelImpl) Decode(ctx context.Context, fragments []FragmentInput, cfg model.ChunkCoderConfig, cipherKey, cipherIV []byte, plaintextSize int64) ([]byte, error) {
	return k.decode(ctx, fragments, cfg, cipherKey, cipherIV, -1, plaintextSize)
}

// DecodeSized is identical to Decode but additionally trims erasure-shard
// padding down to encodedSize (the Chunk's compressed_size attribute)
// before reversing the cipher/compress steps. The read path always knows
// this value from the chunk record; Decode's simpler signature does no
// padding trimming, so its output keeps any erasure-shard padding.
func (k *kernelImpl) DecodeSized(ctx context.Context, fragments []FragmentInput, cfg model.ChunkCoderConfig, cipherKey, cipherIV []byte, encodedSize, plaintextSize int64) ([]byte, error) {
	return k.decode(ctx, fragments, cfg, cipherKey, cipherIV, encodedSize, plaintextSize)
}

func (k *kernelImpl) decode(ctx context.Context, fragments []FragmentInput, cfg model.ChunkCoderConfig, cipherKey, cipherIV []byte, encodedSize, plaintextSize int64) ([]byte, error) {
	if err := k.acquire(ctx); err != nil {
		return nil, err
	}
	defer k.release()

	data, err := erasureDecode(fragments, cfg.DataFrags, cfg.ParityFrags)
	if err != nil {
		return nil, err
	}
	if encodedSize >= 0 && int64(len(data)) > encodedSize {
		data = data[:encodedSize]
	}

	if cfg.Cipher {
		data, err = decryptChunk(data, cipherKey, cipherIV)
		if err != nil {
			return nil, fmt.Errorf("codec: decrypt: %w", err)
		}
	}

	if cfg.Compress {
		data, err = decompress(data, cfg.CompressAlgo)
		if err != nil {
			return nil, fmt.Errorf("codec: decompress: %w", err)
		}
	}

	if plaintextSize >= 0 && int64(len(data)) != plaintextSize {
		return nil, fmt.Errorf("codec: decoded size %d does not match expected %d", len(data), plaintextSize)
	}
	return data, nil
}

// compress/decompress use zstd, the compression library already present in
// the pack's dependency surface (klauspost/compress).
func compress(in []byte, _ string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(in); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(in []byte, _ string) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// encryptChunk seals payload under a freshly generated key/nonce pair. The
// key and IV become the Chunk's cipher_key/cipher_iv attributes, persisted
// by the map client alongside the chunk record.
func encryptChunk(payload []byte) (ciphertext, key, nonce []byte, err error) {
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, payload, nil)
	return ciphertext, key, nonce, nil
}

func decryptChunk(ciphertext, key, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func erasureEncode(payload []byte, dataFrags, parityFrags int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataFrags, parityFrags)
	if err != nil {
		return nil, err
	}
	shardSize := (len(payload) + dataFrags - 1) / dataFrags
	if shardSize == 0 {
		shardSize = 1
	}
	padded := make([]byte, shardSize*dataFrags)
	copy(padded, payload)

	shards := make([][]byte, dataFrags+parityFrags)
	for i := 0; i < dataFrags; i++ {
		shards[i] = padded[i*shardSize : (i+1)*shardSize]
	}
	for i := dataFrags; i < dataFrags+parityFrags; i++ {
		shards[i] = make([]byte, shardSize)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

func erasureDecode(fragments []FragmentInput, dataFrags, parityFrags int) ([]byte, error) {
	if len(fragments) < dataFrags {
		return nil, &ErrInsufficientFragments{Have: len(fragments), Want: dataFrags}
	}

	shards := make([][]byte, dataFrags+parityFrags)
	haveAllData := true
	for _, f := range fragments {
		switch f.Kind {
		case model.FragmentData:
			if f.Index < dataFrags {
				shards[f.Index] = f.Payload
			}
		case model.FragmentParity:
			if f.Index < parityFrags {
				shards[dataFrags+f.Index] = f.Payload
			}
		}
	}
	for i := 0; i < dataFrags; i++ {
		if shards[i] == nil {
			haveAllData = false
			break
		}
	}

	if !haveAllData {
		enc, err := reedsolomon.New(dataFrags, parityFrags)
		if err != nil {
			return nil, err
		}
		if err := enc.Reconstruct(shards); err != nil {
			return nil, &ErrInsufficientFragments{Have: len(fragments), Want: dataFrags}
		}
	}

	var buf bytes.Buffer
	for i := 0; i < dataFrags; i++ {
		buf.Write(shards[i])
	}
	return buf.Bytes(), nil
}

// buildLRC produces a simplified local-reconstruction layer: data
// fragments are split into lrcCount contiguous groups and each group's XOR
// forms one LRC fragment, in the manner of Azure's LRC scheme (a cheaper
// alternative to global parity for the common single-fragment-loss case).
func buildLRC(dataShards [][]byte, lrcCount int) [][]byte {
	if lrcCount <= 0 || len(dataShards) == 0 {
		return nil
	}
	groupSize := (len(dataShards) + lrcCount - 1) / lrcCount
	out := make([][]byte, 0, lrcCount)
	for g := 0; g < lrcCount; g++ {
		start := g * groupSize
		end := start + groupSize
		if start >= len(dataShards) {
			out = append(out, make([]byte, len(dataShards[0])))
			continue
		}
		if end > len(dataShards) {
			end = len(dataShards)
		}
		xor := make([]byte, len(dataShards[0]))
		for _, shard := range dataShards[start:end] {
			for i, b := range shard {
				xor[i] ^= b
			}
		}
		out = append(out, xor)
	}
	return out
}
