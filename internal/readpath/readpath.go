// Package readpath implements C7: mapping lookup, fragment selection and
// fetch, decode, and range assembly for object reads, driven through the
// range LRU cache (C6) and the concurrency governors (C8).
package readpath

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/ioengine/internal/codec"
	"github.com/kenchrcum/ioengine/internal/governor"
	"github.com/kenchrcum/ioengine/internal/ioerrors"
	"github.com/kenchrcum/ioengine/internal/model"
	"github.com/kenchrcum/ioengine/internal/rangecache"
)

// ObjectMapper is the metadata-service boundary the read path needs:
// current object metadata, and the parts (with their chunks' fragment/block
// placements already resolved) intersecting a byte range.
type ObjectMapper interface {
	ObjectMD(ctx context.Context, objID string) (model.ObjectMD, error)
	PartsInRange(ctx context.Context, objID string, start, end int64) ([]*model.Part, map[string]*model.Chunk, error)
}

// BlockReader is the block-store transport boundary.
type BlockReader interface {
	ReadBlock(ctx context.Context, block *model.Block) ([]byte, error)
}

// ErrorReporter is the async report_error_on_object boundary, reused from
// the map client's RPC surface.
type ErrorReporter interface {
	ReportError(ctx context.Context, action, objID, blockID, nodeID, message string)
}

// Config bundles the read path's governor and behavior knobs (§6 [S6]).
type Config struct {
	Coder                model.ChunkCoderConfig
	RangeConcurrency     int64
	BlockTimeout         time.Duration
	ErrorInjectionOnRead float64 // per-block Bernoulli probability, see DESIGN.md
	VideoPrefetchLoadCap int64
}

// ReadPath drives reads for one engine instance. Safe for concurrent use
// across many objects and streams.
type ReadPath struct {
	cache     *rangecache.Cache
	mapper    ObjectMapper
	blocks    BlockReader
	kernel    codec.Kernel
	global    *governor.SlotSemaphore
	agents    *governor.AgentSemaphores
	rangeSem  *governor.SlotSemaphore
	cfg       Config
	reporter  ErrorReporter
	verifying atomic.Bool
	waiters   atomic.Int64 // current range-governor waiters, the queue-depth proxy for video tail prefetch [S4.7]
	log       *logrus.Entry
}

// New constructs a ReadPath. Since the range cache's Loader/Validator are
// the ReadPath itself, cache may be nil here and wired afterward with
// SetCache once the ReadPath value exists.
func New(cache *rangecache.Cache, mapper ObjectMapper, blocks BlockReader, kernel codec.Kernel, global *governor.SlotSemaphore, agents *governor.AgentSemaphores, reporter ErrorReporter, cfg Config) *ReadPath {
	if cfg.RangeConcurrency < 1 {
		cfg.RangeConcurrency = 4
	}
	return &ReadPath{
		cache:    cache,
		mapper:   mapper,
		blocks:   blocks,
		kernel:   kernel,
		global:   global,
		agents:   agents,
		rangeSem: governor.NewSlotSemaphore(cfg.RangeConcurrency),
		cfg:      cfg,
		reporter: reporter,
		log:      logrus.WithField("component", "readpath"),
	}
}

// SetCache wires the range cache after construction, resolving the
// Loader/Validator cycle between ReadPath and rangecache.Cache.
func (r *ReadPath) SetCache(cache *rangecache.Cache) { r.cache = cache }

// SetVerificationMode enables the verify-all-replicas diagnostic mode.
func (r *ReadPath) SetVerificationMode() { r.verifying.Store(true) }

// ClearVerificationMode disables verification mode.
func (r *ReadPath) ClearVerificationMode() { r.verifying.Store(false) }

func (r *ReadPath) verification() bool { return r.verifying.Load() }

// ReadEntireObject reads the whole object; intended for tests [S6].
func (r *ReadPath) ReadEntireObject(ctx context.Context, objID string) ([]byte, error) {
	md, err := r.mapper.ObjectMD(ctx, objID)
	if err != nil {
		return nil, fmt.Errorf("readpath: object_md for %s: %w", objID, err)
	}
	return r.ReadRange(ctx, objID, 0, md.Size)
}

// ReadRange materializes [start,end) for objID by splitting into aligned
// sub-ranges and dispatching parallel cache gets, up to RangeConcurrency
// (§4.6/§4.7).
func (r *ReadPath) ReadRange(ctx context.Context, objID string, start, end int64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("readpath: invalid range [%d,%d)", start, end)
	}
	if end == start {
		return nil, nil
	}

	if start == 0 {
		if md, err := r.mapper.ObjectMD(ctx, objID); err == nil {
			r.MaybePrefetchVideoTail(ctx, objID, start, md)
		}
	}

	align := r.cache.Align()
	type slice struct {
		start int64
		data  []byte
	}

	var alignedStarts []int64
	for a := r.cache.AlignedStart(start); a < end; a += align {
		alignedStarts = append(alignedStarts, a)
	}

	results := make([]slice, len(alignedStarts))
	errs := make([]error, len(alignedStarts))
	var wg sync.WaitGroup

	for i, a := range alignedStarts {
		wg.Add(1)
		r.waiters.Add(1)
		release, err := r.rangeSem.Acquire(ctx, 0)
		r.waiters.Add(-1)
		if err != nil {
			wg.Done()
			return nil, fmt.Errorf("readpath: range concurrency slot for %s: %w", objID, err)
		}
		go func(i int, alignedStart int64) {
			defer wg.Done()
			defer release()
			entry, err := r.cache.Get(ctx, objID, alignedStart)
			if err != nil {
				errs[i] = err
				return
			}
			part := rangecache.Slice(entry, alignedStart, align, start, end)
			results[i] = slice{start: alignedStart, data: part}
		}(i, a)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var out []byte
	for _, s := range results {
		out = append(out, s.data...)
	}
	if int64(len(out)) != end-start {
		return nil, &ioerrors.ErrIntegrity{ObjID: objID, Start: start, End: end, AssembledBytes: int64(len(out))}
	}
	return out, nil
}

// MaybePrefetchVideoTail speculatively warms the cache entry covering the
// object's last 1024 bytes when a stream starts at offset 0 on a video
// object larger than 1 MiB and the range governor isn't already backed up.
// It is fire-and-forget: failures are logged, never surfaced to the reader.
func (r *ReadPath) MaybePrefetchVideoTail(ctx context.Context, objID string, readStart int64, md model.ObjectMD) {
	const videoPrefetchMinSize = 1 << 20
	const videoPrefetchTailBytes = 1024
	const videoPrefetchDelay = 10 * time.Millisecond

	if readStart != 0 || md.Size <= videoPrefetchMinSize || !IsVideo(md.ContentType) {
		return
	}
	if r.cfg.VideoPrefetchLoadCap > 0 && r.waiters.Load() >= r.cfg.VideoPrefetchLoadCap {
		return
	}

	go func() {
		select {
		case <-time.After(videoPrefetchDelay):
		case <-ctx.Done():
			return
		}
		tailStart := md.Size - videoPrefetchTailBytes
		if tailStart < 0 {
			tailStart = 0
		}
		if _, err := r.cache.Get(ctx, objID, r.cache.AlignedStart(tailStart)); err != nil {
			r.log.WithError(err).WithField("obj_id", objID).Debug("video tail prefetch failed")
		}
	}()
}

// Load implements rangecache.Loader so a ReadPath can be handed directly
// as the cache's loader, i.e. misses flow through this type's own
// reconstruction logic.
func (r *ReadPath) Load(ctx context.Context, objID string, alignedStart, align int64) (*rangecache.Entry, error) {
	return r.loadAlignedRange(ctx, objID, alignedStart, alignedStart+align)
}

// CurrentSnapshot implements rangecache.Validator.
func (r *ReadPath) CurrentSnapshot(ctx context.Context, objID string) (model.ObjectMD, error) {
	return r.mapper.ObjectMD(ctx, objID)
}

// loadAlignedRange reconstructs the full aligned window [start,end) from
// the object's parts (§4.6 Load, §4.7 part reconstruction/range assembly).
func (r *ReadPath) loadAlignedRange(ctx context.Context, objID string, start, end int64) (*rangecache.Entry, error) {
	md, err := r.mapper.ObjectMD(ctx, objID)
	if err != nil {
		return nil, fmt.Errorf("readpath: object_md for %s: %w", objID, err)
	}
	if start >= md.Size {
		return &rangecache.Entry{Snapshot: md, Buffer: nil}, nil // hole past EOF
	}
	clampedEnd := end
	if clampedEnd > md.Size {
		clampedEnd = md.Size
	}

	parts, chunks, err := r.mapper.PartsInRange(ctx, objID, start, clampedEnd)
	if err != nil {
		return nil, fmt.Errorf("readpath: read_object_mappings for %s: %w", objID, err)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Start < parts[j].Start })

	buf := make([]byte, 0, clampedEnd-start)
	cursor := start
	for _, part := range parts {
		if part.Start > cursor {
			return nil, &ioerrors.ErrIntegrity{ObjID: objID, Start: start, End: clampedEnd, AssembledBytes: int64(len(buf))}
		}
		chunk, ok := chunks[part.ChunkID]
		if !ok {
			return nil, fmt.Errorf("readpath: part references unknown chunk %s", part.ChunkID)
		}

		plaintext, err := r.reconstructChunk(ctx, objID, chunk)
		if err != nil {
			return nil, err
		}

		loFromPart := cursor - part.Start
		hiFromPart := clampedEnd - part.Start
		if hiFromPart > int64(len(plaintext)) {
			hiFromPart = int64(len(plaintext))
		}
		if hiFromPart > loFromPart {
			buf = append(buf, plaintext[loFromPart:hiFromPart]...)
			cursor = part.Start + hiFromPart
		}
		if cursor >= clampedEnd {
			break
		}
	}

	if cursor < clampedEnd {
		return nil, &ioerrors.ErrIntegrity{ObjID: objID, Start: start, End: clampedEnd, AssembledBytes: int64(len(buf))}
	}

	// If clampedEnd < end, the aligned window extends past EOF; buf is left
	// shorter than the full window and rangecache.Slice treats the missing
	// tail as a hole when callers read past object size.
	return &rangecache.Entry{Snapshot: md, Buffer: buf}, nil
}

// reconstructChunk fetches fragments for chunk and decodes it, preferring
// data fragments (no erasure math needed) and falling back to data+parity
// (+LRC) on any data-fragment failure (§4.7 "part reconstruction").
func (r *ReadPath) reconstructChunk(ctx context.Context, objID string, chunk *model.Chunk) ([]byte, error) {
	if r.verification() {
		return r.reconstructChunkVerified(ctx, objID, chunk)
	}

	dataFrags, err := r.fetchFragments(ctx, objID, chunk.DataFragments())
	if err == nil && len(dataFrags) >= r.cfg.Coder.DataFrags {
		out, decErr := r.kernel.DecodeSized(ctx, dataFrags, r.cfg.Coder, chunk.CipherKey, chunk.CipherIV, chunk.CompressedSize, chunk.Size)
		if decErr == nil {
			return out, nil
		}
	}

	all := append(chunk.DataFragments(), chunk.ParityFragments()...)
	all = append(all, chunk.LRCFragments()...)
	fetched, err := r.fetchFragments(ctx, objID, all)
	if err != nil {
		return nil, &ioerrors.ErrReconstruction{ChunkID: chunk.ID, Reason: err.Error()}
	}
	out, err := r.kernel.DecodeSized(ctx, fetched, r.cfg.Coder, chunk.CipherKey, chunk.CipherIV, chunk.CompressedSize, chunk.Size)
	if err != nil {
		return nil, &ioerrors.ErrReconstruction{ChunkID: chunk.ID, Reason: err.Error()}
	}
	return out, nil
}

// reconstructChunkVerified reads all replicas of every fragment, asserts
// digest/payload equality across replicas, decodes from the full fragment
// set, then cross-checks against a parity-only decode (§4.7, [S8] S4). The
// cross-check runs only when the chunk has at least DataFrags parity
// fragments; with fewer, a parity-only set cannot be decoded and is skipped.
func (r *ReadPath) reconstructChunkVerified(ctx context.Context, objID string, chunk *model.Chunk) ([]byte, error) {
	all := append(append(chunk.DataFragments(), chunk.ParityFragments()...), chunk.LRCFragments()...)

	fetched := make([]codec.FragmentInput, 0, len(all))
	var parityOnly []codec.FragmentInput
	for _, frag := range all {
		payload, err := r.fetchFragmentAllReplicas(ctx, objID, frag)
		if err != nil {
			var tampering *ioerrors.ErrTampering
			if errors.As(err, &tampering) {
				return nil, tampering
			}
			return nil, &ioerrors.ErrReconstruction{ChunkID: chunk.ID, Reason: err.Error()}
		}
		in := codec.FragmentInput{Kind: frag.Kind, Index: frag.Index, Payload: payload}
		fetched = append(fetched, in)
		if frag.Kind == model.FragmentParity {
			parityOnly = append(parityOnly, in)
		}
	}

	out, err := r.kernel.DecodeSized(ctx, fetched, r.cfg.Coder, chunk.CipherKey, chunk.CipherIV, chunk.CompressedSize, chunk.Size)
	if err != nil {
		return nil, &ioerrors.ErrReconstruction{ChunkID: chunk.ID, Reason: err.Error()}
	}

	if len(parityOnly) >= r.cfg.Coder.DataFrags {
		fromParity, err := r.kernel.DecodeSized(ctx, parityOnly, r.cfg.Coder, chunk.CipherKey, chunk.CipherIV, chunk.CompressedSize, chunk.Size)
		if err != nil {
			return nil, &ioerrors.ErrReconstruction{ChunkID: chunk.ID, Reason: "parity-only cross-check decode failed: " + err.Error()}
		}
		if string(fromParity) != string(out) {
			return nil, &ioerrors.ErrReconstruction{ChunkID: chunk.ID, Reason: "parity-only decode diverges from data-fragment decode"}
		}
	}
	return out, nil
}

func (r *ReadPath) fetchFragments(ctx context.Context, objID string, frags []*model.Fragment) ([]codec.FragmentInput, error) {
	out := make([]codec.FragmentInput, 0, len(frags))
	for _, frag := range frags {
		payload, err := r.fetchFragment(ctx, objID, frag)
		if err != nil {
			continue // caller checks the count against DataFrags
		}
		out = append(out, codec.FragmentInput{Kind: frag.Kind, Index: frag.Index, Payload: payload})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("readpath: no fragments obtained")
	}
	return out, nil
}

// fetchFragment tries each replica block in order until one succeeds.
func (r *ReadPath) fetchFragment(ctx context.Context, objID string, frag *model.Fragment) ([]byte, error) {
	var lastErr error
	for _, block := range frag.Blocks {
		payload, err := r.readBlock(ctx, objID, block, frag.Digest)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("fragment %s/%d has no replica blocks", frag.Kind, frag.Index)
	}
	return nil, lastErr
}

// fetchFragmentAllReplicas reads every replica (verification mode) and
// asserts all payloads and digests agree.
func (r *ReadPath) fetchFragmentAllReplicas(ctx context.Context, objID string, frag *model.Fragment) ([]byte, error) {
	if len(frag.Blocks) == 0 {
		return nil, fmt.Errorf("fragment %s/%d has no replica blocks", frag.Kind, frag.Index)
	}
	var first []byte
	for i, block := range frag.Blocks {
		payload, err := r.readBlock(ctx, objID, block, frag.Digest)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			first = payload
			continue
		}
		if string(payload) != string(first) {
			return nil, fmt.Errorf("replica payload mismatch for fragment %s/%d on block %s", frag.Kind, frag.Index, block.BlockID)
		}
	}
	return first, nil
}

// readBlock is guarded by the global and per-agent slot semaphores and a
// timeout, optionally fails under ERROR_INJECTION_ON_READ, and in
// verification mode recomputes the digest locally to detect tampering.
func (r *ReadPath) readBlock(ctx context.Context, objID string, block *model.Block, fragDigest []byte) ([]byte, error) {
	releaseGlobal, err := r.global.Acquire(ctx, r.cfg.BlockTimeout)
	if err != nil {
		return nil, fmt.Errorf("readpath: global read slot for block %s: %w", block.BlockID, err)
	}
	defer releaseGlobal()

	releaseAgent, err := r.agents.For(block.NodeID).Acquire(ctx, r.cfg.BlockTimeout)
	if err != nil {
		return nil, fmt.Errorf("readpath: agent read slot for block %s on %s: %w", block.BlockID, block.NodeID, err)
	}
	defer releaseAgent()

	blockCtx, cancel := context.WithTimeout(ctx, r.cfg.BlockTimeout)
	defer cancel()

	if r.injectError() {
		r.reportError(ctx, "read_block", objID, block, "injected test failure")
		return nil, fmt.Errorf("readpath: injected error reading block %s", block.BlockID)
	}

	payload, err := r.blocks.ReadBlock(blockCtx, block)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"block_id": block.BlockID, "node_id": block.NodeID}).Warn("block read failed")
		r.reportError(ctx, "read_block", objID, block, err.Error())
		return nil, fmt.Errorf("readpath: read_block %s: %w", block.BlockID, err)
	}

	if r.verification() && fragDigest != nil {
		digest := codec.DigestFragment(r.cfg.Coder.FragDigestType, payload)
		if !bytesEqual(digest, fragDigest) {
			r.log.WithFields(logrus.Fields{"block_id": block.BlockID, "node_id": block.NodeID}).Error("digest mismatch, possible tampering")
			return nil, &ioerrors.ErrTampering{BlockID: block.BlockID, NodeID: block.NodeID}
		}
	}
	return payload, nil
}

func (r *ReadPath) injectError() bool {
	p := r.cfg.ErrorInjectionOnRead
	if p <= 0 {
		return false
	}
	return rand.Float64() < p
}

func (r *ReadPath) reportError(ctx context.Context, action, objID string, block *model.Block, message string) {
	if r.reporter == nil {
		return
	}
	defer func() { _ = recover() }() // reporting failures must never mask the original error [S4.9]
	r.reporter.ReportError(ctx, action, objID, block.BlockID, block.NodeID, message)
}

func bytesEqual(a, b []byte) bool {
	return string(a) == string(b)
}

// IsVideo reports whether a content type qualifies for tail prefetch.
func IsVideo(contentType string) bool {
	return strings.HasPrefix(contentType, "video")
}
