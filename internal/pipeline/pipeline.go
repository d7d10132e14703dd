// Package pipeline implements C5: the staged upload pipeline wiring the
// splitter, encode kernel, coalescer, and map client together, with
// per-stream byte admission and multipart/copy-path support.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/kenchrcum/ioengine/internal/coalescer"
	"github.com/kenchrcum/ioengine/internal/codec"
	"github.com/kenchrcum/ioengine/internal/governor"
	"github.com/kenchrcum/ioengine/internal/mapclient"
	"github.com/kenchrcum/ioengine/internal/model"
	"github.com/kenchrcum/ioengine/internal/splitter"
)

// sourceReadSize bounds one read from the caller-supplied source reader,
// roughly the "watermark 1 MiB" of [S4.5] step 1.
const sourceReadSize = 1 << 20

// Pipeline wires the upload stages together. One Pipeline may drive many
// concurrent uploads; it holds no per-stream mutable state.
type Pipeline struct {
	Kernel    codec.Kernel
	MapClient *mapclient.Client
	ByteSem   *governor.ByteSemaphore
	Coder     model.ChunkCoderConfig
	Coalesce  CoalesceConfig

	// EncoderConcurrency bounds how many chunks may be mid-Encode at once;
	// the kernel itself also enforces its own internal worker-pool bound
	// (§4.2), so this only needs to cap how many goroutines this pipeline
	// spawns ahead of the kernel.
	EncoderConcurrency int
}

// CoalesceConfig configures the coalescer stage (§4.3).
type CoalesceConfig struct {
	MaxLength int
	MaxWait   time.Duration
}

// UploadParams describes one upload stream.
type UploadParams struct {
	ObjID        string
	MultipartID  string // non-empty selects multipart framing (start=0,seq=0) [S4.5]
	DeclaredSize int64  // -1 if unknown
	Reader       io.Reader
	Split        model.ChunkSplitConfig
	CheckDups    bool
}

// UploadResult is the completed upload: ordered parts, their chunks, and
// the whole-stream digests computed by the splitter.
type UploadResult struct {
	Parts  []*model.Part
	Chunks []*model.Chunk
	MD5    []byte
	SHA256 []byte
}

// Upload drives one object upload end to end: admission, split+encode,
// coalesce, and per-batch map-client invocation, in strict emission order.
func (p *Pipeline) Upload(ctx context.Context, params UploadParams) (*UploadResult, error) {
	reservation, err := p.ByteSem.Acquire(ctx, params.DeclaredSize)
	if err != nil {
		return nil, fmt.Errorf("pipeline: admission for %s: %w", params.ObjID, err)
	}
	defer reservation.Release()

	uploads, md5Sum, sha256Sum, err := p.splitAndEncode(ctx, params)
	if err != nil {
		return nil, err
	}

	parts, chunks, err := p.coalesceAndUpload(ctx, params, uploads)
	if err != nil {
		return nil, err
	}

	return &UploadResult{Parts: parts, Chunks: chunks, MD5: md5Sum, SHA256: sha256Sum}, nil
}

// splitAndEncode reads params.Reader through the splitter, encodes each
// emitted chunk, and returns map-client-ready uploads in source order.
// Encode calls for distinct chunks may run concurrently (bounded by
// EncoderConcurrency) but results are sequenced back into source order
// before being returned, satisfying the "chunks emitted in source order"
// ordering guarantee [S5].
func (p *Pipeline) splitAndEncode(ctx context.Context, params UploadParams) ([]mapclient.ChunkUpload, []byte, []byte, error) {
	spl, err := splitter.New(splitter.Config{
		MinChunk:     params.Split.MinChunk,
		MaxChunk:     params.Split.MaxChunk,
		AvgChunkBits: params.Split.AvgChunkBits,
		CalcMD5:      params.Split.CalcMD5,
		CalcSHA256:   params.Split.CalcSHA256,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline: splitter config for %s: %w", params.ObjID, err)
	}

	concurrency := p.EncoderConcurrency
	if concurrency < 1 {
		concurrency = 20
	}
	slots := make(chan chan encodeOutcome, concurrency)
	var dispatchErr error
	var finalMD5, finalSHA256 []byte

	done := make(chan struct{})
	go func() {
		defer close(slots)
		defer close(done)

		var offset int64
		pushAll := func(results []splitter.Result) bool {
			for _, res := range results {
				start := offset
				offset += res.Size
				resultCh := make(chan encodeOutcome, 1)
				select {
				case slots <- resultCh:
				case <-ctx.Done():
					dispatchErr = ctx.Err()
					return false
				}
				go p.encodeOne(ctx, start, res.Data, resultCh)
			}
			return true
		}

		buf := make([]byte, sourceReadSize)
		for {
			n, readErr := params.Reader.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if !pushAll(spl.Push(data)) {
					return
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				dispatchErr = fmt.Errorf("pipeline: read source for %s: %w", params.ObjID, readErr)
				return
			}
		}

		residual, md5Sum, sha256Sum := spl.Finish()
		finalMD5, finalSHA256 = md5Sum, sha256Sum
		if residual != nil {
			pushAll([]splitter.Result{*residual})
		}
	}()

	var uploads []mapclient.ChunkUpload
	for resultCh := range slots {
		outcome := <-resultCh
		if outcome.err != nil {
			return nil, nil, nil, outcome.err
		}
		uploads = append(uploads, outcome.upload)
	}
	<-done
	if dispatchErr != nil {
		return nil, nil, nil, dispatchErr
	}

	return uploads, finalMD5, finalSHA256, nil
}

type encodeOutcome struct {
	upload mapclient.ChunkUpload
	err    error
}

func (p *Pipeline) encodeOne(ctx context.Context, start int64, data []byte, out chan<- encodeOutcome) {
	chunk := &model.Chunk{
		ID:    uuid.NewString(),
		Start: start,
		End:   start + int64(len(data)),
		Size:  int64(len(data)),
	}

	enc, err := p.Kernel.Encode(ctx, data, p.Coder)
	if err != nil {
		out <- encodeOutcome{err: fmt.Errorf("pipeline: encode chunk at offset %d: %w", start, err)}
		return
	}
	chunk.ContentDigest = enc.ContentDigest
	chunk.CompressedSize = enc.CompressedSize
	chunk.CipherKey = enc.CipherKey
	chunk.CipherIV = enc.CipherIV

	fragBytes := make([]mapclient.FragmentBytes, 0, len(enc.Fragments))
	for _, f := range enc.Fragments {
		chunk.Frags = append(chunk.Frags, &model.Fragment{Index: f.Index, Kind: f.Kind, Digest: f.Digest})
		fragBytes = append(fragBytes, mapclient.FragmentBytes{Kind: f.Kind, Index: f.Index, Payload: f.Payload})
	}

	out <- encodeOutcome{upload: mapclient.ChunkUpload{Chunk: chunk, Fragments: fragBytes}}
}

// coalesceAndUpload batches encoded chunks (§4.3) and drives one map-client
// invocation per batch, with watermark 1 (one batch processed at a time,
// in emission order) to serialize completion as required by [S5].
func (p *Pipeline) coalesceAndUpload(ctx context.Context, params UploadParams, uploads []mapclient.ChunkUpload) ([]*model.Part, []*model.Chunk, error) {
	maxLen := p.Coalesce.MaxLength
	if maxLen < 1 {
		maxLen = 20
	}
	maxWait := p.Coalesce.MaxWait
	if maxWait <= 0 {
		maxWait = 10 * time.Millisecond
	}

	c := coalescer.New[mapclient.ChunkUpload](ctx, maxLen, maxWait)
	go func() {
		defer c.Close()
		for _, u := range uploads {
			if err := c.Push(ctx, u); err != nil {
				return
			}
		}
	}()

	var parts []*model.Part
	var chunks []*model.Chunk
	seq := 0
	for batch := range c.Batches() {
		batchID := uuid.NewString()
		if _, err := p.MapClient.Process(ctx, batchID, batch); err != nil {
			return nil, nil, err
		}
		for _, u := range batch {
			parts = append(parts, &model.Part{
				ObjID:       params.ObjID,
				MultipartID: params.MultipartID,
				Seq:         seq,
				Start:       u.Chunk.Start,
				End:         u.Chunk.End,
				ChunkID:     u.Chunk.ID,
			})
			chunks = append(chunks, u.Chunk)
			seq++
		}
	}
	return parts, chunks, nil
}
