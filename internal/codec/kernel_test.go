package codec

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/ioengine/internal/model"
)

func cfgFor(dataFrags, parityFrags, lrcFrags int) model.ChunkCoderConfig {
	return model.ChunkCoderConfig{
		Compress:       true,
		CompressAlgo:   "zstd",
		Cipher:         true,
		FragDigestType: "blake3",
		DataFrags:      dataFrags,
		ParityFrags:    parityFrags,
		LRCFrags:       lrcFrags,
	}
}

func toInputs(fragments []FragmentPayload) []FragmentInput {
	out := make([]FragmentInput, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, FragmentInput{Kind: f.Kind, Index: f.Index, Payload: f.Payload})
	}
	return out
}

func TestKernel_EncodeDecodeRoundTrip(t *testing.T) {
	k := NewKernel(4)
	ctx := context.Background()
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 1000)
	cfg := cfgFor(4, 2, 1)

	enc, err := k.Encode(ctx, plaintext, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, enc.ContentDigest)
	require.Len(t, enc.Fragments, cfg.DataFrags+cfg.ParityFrags+cfg.LRCFrags)

	out, err := k.DecodeSized(ctx, toInputs(enc.Fragments), cfg, enc.CipherKey, enc.CipherIV, enc.CompressedSize, int64(len(plaintext)))
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, out))
}

func TestKernel_Decode_ReconstructsFromParityOnly(t *testing.T) {
	k := NewKernel(2)
	ctx := context.Background()
	plaintext := bytes.Repeat([]byte("erasure coding recovers from loss "), 500)
	cfg := cfgFor(4, 4, 1)

	enc, err := k.Encode(ctx, plaintext, cfg)
	require.NoError(t, err)

	// Drop all data and LRC fragments; with as many parity fragments as data
	// fragments, the parity set alone is enough to reconstruct.
	var survivors []FragmentInput
	for _, f := range enc.Fragments {
		if f.Kind == model.FragmentParity {
			survivors = append(survivors, FragmentInput{Kind: f.Kind, Index: f.Index, Payload: f.Payload})
		}
	}
	require.Len(t, survivors, cfg.ParityFrags)

	out, err := k.DecodeSized(ctx, survivors, cfg, enc.CipherKey, enc.CipherIV, enc.CompressedSize, int64(len(plaintext)))
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, out))
}

func TestKernel_Decode_DropOneDataFragment(t *testing.T) {
	k := NewKernel(1)
	ctx := context.Background()
	plaintext := bytes.Repeat([]byte("k-of-n reconstruction "), 2000)
	cfg := cfgFor(6, 3, 2)

	enc, err := k.Encode(ctx, plaintext, cfg)
	require.NoError(t, err)

	var survivors []FragmentInput
	for _, f := range enc.Fragments {
		if f.Kind == model.FragmentLocalReconstruction {
			continue
		}
		if f.Kind == model.FragmentData && f.Index == 0 {
			continue // simulate loss of one data fragment
		}
		survivors = append(survivors, FragmentInput{Kind: f.Kind, Index: f.Index, Payload: f.Payload})
	}

	out, err := k.DecodeSized(ctx, survivors, cfg, enc.CipherKey, enc.CipherIV, enc.CompressedSize, int64(len(plaintext)))
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, out))
}

func TestKernel_Decode_InsufficientFragments(t *testing.T) {
	k := NewKernel(1)
	ctx := context.Background()
	cfg := cfgFor(4, 2, 1)

	_, err := k.Decode(ctx, []FragmentInput{
		{Kind: model.FragmentData, Index: 0, Payload: []byte("only one shard")},
	}, cfg, nil, nil, -1)
	require.Error(t, err)

	var insufficient *ErrInsufficientFragments
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 4, insufficient.Want)
}

func TestKernel_EncodeDecode_NoCompressNoCipher(t *testing.T) {
	k := NewKernel(1)
	ctx := context.Background()
	plaintext := []byte("small uncompressed unencrypted plaintext")
	cfg := model.ChunkCoderConfig{
		FragDigestType: "blake3",
		DataFrags:      3,
		ParityFrags:    1,
	}

	enc, err := k.Encode(ctx, plaintext, cfg)
	require.NoError(t, err)

	out, err := k.DecodeSized(ctx, toInputs(enc.Fragments), cfg, nil, nil, enc.CompressedSize, int64(len(plaintext)))
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, out))
}
