// Package fakes provides Redis-backed and in-memory test doubles for the
// out-of-scope metadata service and block-store agents, so pipeline,
// read-path, and copy-fast-path tests exercise real client libraries
// instead of bespoke in-memory maps. Grounded in the teacher's own use of
// miniredis and go-redis as its test-double backing store.
package fakes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kenchrcum/ioengine/internal/mapclient"
	"github.com/kenchrcum/ioengine/internal/model"
)

// NewMiniredisClient starts an in-process miniredis server and returns a
// go-redis client wired to it, for use by MetadataService in tests. The
// caller owns the returned *miniredis.Miniredis and must Close it.
func NewMiniredisClient() (*redis.Client, *miniredis.Miniredis, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("fakes: start miniredis: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr, nil
}

// Options configures the fake metadata service's block placement policy.
type Options struct {
	// Nodes is the pool of storage agent node ids to allocate fragment
	// replicas across. A nil/empty pool defaults to four synthetic nodes.
	Nodes []string
	// ReplicaCount is how many distinct nodes each fragment is placed on.
	ReplicaCount int
}

// MetadataService is a Redis-backed fake standing in for the out-of-scope
// metadata/placement service. It implements mapclient.MetadataService,
// readpath.ObjectMapper, rangecache.Validator, and pipeline.CopySource,
// so a single fake drives every integration point the engine exposes.
type MetadataService struct {
	rdb  *redis.Client
	opts Options

	mu      sync.Mutex
	nextGen int64
	roundRobin atomic.Int64
}

// New constructs a MetadataService backed by rdb.
func New(rdb *redis.Client, opts Options) *MetadataService {
	if len(opts.Nodes) == 0 {
		opts.Nodes = []string{"node-a", "node-b", "node-c", "node-d"}
	}
	if opts.ReplicaCount < 1 {
		opts.ReplicaCount = 2
	}
	return &MetadataService{rdb: rdb, opts: opts}
}

func objectKey(objID string) string   { return "object:" + objID }
func partsKey(objID string) string    { return "object:" + objID + ":parts" }
func chunkKey(chunkID string) string  { return "chunk:" + chunkID }
func dedupKey(digestHex string) string { return "dedup:" + digestHex }
func errorLogKey() string             { return "errors" }

// Allocate implements mapclient.MetadataService: it checks the dedup
// index by content digest when requested, and otherwise assigns fresh
// replica placements for every fragment of every chunk.
func (m *MetadataService) Allocate(ctx context.Context, batchID string, chunks []*model.Chunk, checkDups bool) ([]mapclient.ChunkDecision, error) {
	decisions := make([]mapclient.ChunkDecision, 0, len(chunks))
	for _, chunk := range chunks {
		if checkDups {
			if dupID, ok, err := m.lookupDedup(ctx, chunk.ContentDigest); err != nil {
				return nil, err
			} else if ok && dupID != chunk.ID {
				decisions = append(decisions, mapclient.ChunkDecision{ChunkID: chunk.ID, DupOf: dupID})
				continue
			}
		}

		// Register the chunk now, while it still carries its full fragment
		// skeleton and cipher material; Finalize only attaches the block
		// placements decided below.
		if err := m.storeChunk(ctx, chunk); err != nil {
			return nil, err
		}

		allocations := make([]mapclient.FragmentAllocation, 0, len(chunk.Frags))
		for _, frag := range chunk.Frags {
			blocks := make([]*model.Block, 0, m.opts.ReplicaCount)
			for i := 0; i < m.opts.ReplicaCount; i++ {
				blocks = append(blocks, &model.Block{
					BlockID: fmt.Sprintf("%s-%s-%d-%s", chunk.ID, frag.Kind, frag.Index, uuid.NewString()),
					NodeID:  m.nextNode(),
				})
			}
			allocations = append(allocations, mapclient.FragmentAllocation{
				Kind:   frag.Kind,
				Index:  frag.Index,
				Blocks: blocks,
			})
		}
		decisions = append(decisions, mapclient.ChunkDecision{ChunkID: chunk.ID, Allocations: allocations})
	}
	return decisions, nil
}

// Finalize implements mapclient.MetadataService: it attaches the written
// block targets to each chunk's fragments and persists the chunk plus a
// dedup-index entry keyed by content digest.
func (m *MetadataService) Finalize(ctx context.Context, batchID string, blocks []mapclient.FinalizedBlock) (mapclient.FinalizeResult, error) {
	byChunk := make(map[string][]mapclient.FinalizedBlock)
	for _, b := range blocks {
		if !b.Success {
			return mapclient.FinalizeResult{HadErrors: true, Message: fmt.Sprintf("block write failed for chunk %s", b.ChunkID)}, nil
		}
		byChunk[b.ChunkID] = append(byChunk[b.ChunkID], b)
	}

	for chunkID, finalized := range byChunk {
		chunk, err := m.loadChunkStub(ctx, chunkID, finalized)
		if err != nil {
			return mapclient.FinalizeResult{}, err
		}
		if err := m.storeChunk(ctx, chunk); err != nil {
			return mapclient.FinalizeResult{}, err
		}
		if len(chunk.ContentDigest) > 0 {
			if err := m.rdb.SetNX(ctx, dedupKey(fmt.Sprintf("%x", chunk.ContentDigest)), chunkID, 0).Err(); err != nil {
				return mapclient.FinalizeResult{}, fmt.Errorf("fakes: record dedup index for %s: %w", chunkID, err)
			}
		}
	}
	return mapclient.FinalizeResult{}, nil
}

// loadChunkStub reloads the chunk Allocate already registered and attaches
// the block placements FINALIZE is reporting.
func (m *MetadataService) loadChunkStub(ctx context.Context, chunkID string, finalized []mapclient.FinalizedBlock) (*model.Chunk, error) {
	chunk, err := m.fetchChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*model.Fragment, len(chunk.Frags))
	for _, f := range chunk.Frags {
		byKey[fmt.Sprintf("%s-%d", f.Kind, f.Index)] = f
	}
	for _, fb := range finalized {
		if f, ok := byKey[fmt.Sprintf("%s-%d", fb.Kind, fb.Index)]; ok {
			f.Blocks = append(f.Blocks, fb.Block)
		}
	}
	return chunk, nil
}

// Abort implements mapclient.MetadataService. The fake has no pending
// transaction state to roll back; it only records that the batch failed.
func (m *MetadataService) Abort(ctx context.Context, batchID string) error {
	return m.rdb.LPush(ctx, errorLogKey(), fmt.Sprintf("abort:%s", batchID)).Err()
}

// ReportError implements mapclient.MetadataService's async error-reporting
// boundary.
func (m *MetadataService) ReportError(ctx context.Context, report mapclient.ErrorReport) {
	payload, _ := json.Marshal(report)
	m.rdb.LPush(ctx, errorLogKey(), payload)
}

// ReadErrorReports returns the recorded error reports, most recent first,
// for test assertions.
func (m *MetadataService) ReadErrorReports(ctx context.Context) ([]string, error) {
	return m.rdb.LRange(ctx, errorLogKey(), 0, -1).Result()
}

// ReadErrorReporter adapts MetadataService's structured ReportError (the
// mapclient.MetadataService shape) to readpath.ErrorReporter's positional
// signature; the two interfaces name the same RPC differently, so one
// type cannot satisfy both method signatures directly.
type ReadErrorReporter struct {
	Service *MetadataService
}

// ReportError implements readpath.ErrorReporter.
func (r *ReadErrorReporter) ReportError(ctx context.Context, action, objID, blockID, nodeID, message string) {
	r.Service.ReportError(ctx, mapclient.ErrorReport{
		Action:  action,
		ObjID:   objID,
		BlockID: blockID,
		NodeID:  nodeID,
		Message: message,
	})
}

// ObjectMD implements readpath.ObjectMapper and rangecache.Validator.
func (m *MetadataService) ObjectMD(ctx context.Context, objID string) (model.ObjectMD, error) {
	raw, err := m.rdb.Get(ctx, objectKey(objID)).Result()
	if err == redis.Nil {
		return model.ObjectMD{}, fmt.Errorf("fakes: object %s not found", objID)
	} else if err != nil {
		return model.ObjectMD{}, fmt.Errorf("fakes: get object %s: %w", objID, err)
	}
	var md model.ObjectMD
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return model.ObjectMD{}, fmt.Errorf("fakes: decode object %s: %w", objID, err)
	}
	return md, nil
}

// CurrentSnapshot implements rangecache.Validator.
func (m *MetadataService) CurrentSnapshot(ctx context.Context, objID string) (model.ObjectMD, error) {
	return m.ObjectMD(ctx, objID)
}

// PartsInRange implements readpath.ObjectMapper: it returns every part
// overlapping [start,end) and the chunks those parts reference.
func (m *MetadataService) PartsInRange(ctx context.Context, objID string, start, end int64) ([]*model.Part, map[string]*model.Chunk, error) {
	allParts, err := m.fetchParts(ctx, objID)
	if err != nil {
		return nil, nil, err
	}

	var overlapping []*model.Part
	chunks := make(map[string]*model.Chunk)
	for _, p := range allParts {
		if p.Start >= end || p.End <= start {
			continue
		}
		overlapping = append(overlapping, p)
		chunk, err := m.fetchChunk(ctx, p.ChunkID)
		if err != nil {
			return nil, nil, err
		}
		chunks[p.ChunkID] = chunk
	}
	return overlapping, chunks, nil
}

// ReadObjectMappings implements pipeline.CopySource.
func (m *MetadataService) ReadObjectMappings(ctx context.Context, objID string) ([]*model.Part, []*model.Chunk, error) {
	parts, err := m.fetchParts(ctx, objID)
	if err != nil {
		return nil, nil, err
	}
	chunks := make([]*model.Chunk, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		if seen[p.ChunkID] {
			continue
		}
		seen[p.ChunkID] = true
		chunk, err := m.fetchChunk(ctx, p.ChunkID)
		if err != nil {
			return nil, nil, err
		}
		chunks = append(chunks, chunk)
	}
	return parts, chunks, nil
}

// FinalizeObjectParts implements pipeline.CopySource: it commits a new
// part list for objID, deriving a fresh ObjectMD generation so the range
// cache invalidates any stale entries for the destination id.
func (m *MetadataService) FinalizeObjectParts(ctx context.Context, objID string, parts []*model.Part) error {
	var size int64
	for _, p := range parts {
		if p.End > size {
			size = p.End
		}
	}
	return m.CommitObject(ctx, objID, size, "", parts)
}

// CommitObject persists an object's final part list and metadata
// snapshot, standing in for the real metadata service's post-FINALIZE
// bookkeeping. contentType may be empty.
func (m *MetadataService) CommitObject(ctx context.Context, objID string, size int64, contentType string, parts []*model.Part) error {
	m.mu.Lock()
	m.nextGen++
	gen := m.nextGen
	m.mu.Unlock()

	md := model.ObjectMD{
		ObjID:       objID,
		ETag:        fmt.Sprintf("gen-%d", gen),
		Size:        size,
		CreateTime:  gen,
		ContentType: contentType,
	}
	payload, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("fakes: encode object %s: %w", objID, err)
	}
	if err := m.rdb.Set(ctx, objectKey(objID), payload, 0).Err(); err != nil {
		return fmt.Errorf("fakes: store object %s: %w", objID, err)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Start < parts[j].Start })
	partsPayload, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("fakes: encode parts for %s: %w", objID, err)
	}
	if err := m.rdb.Set(ctx, partsKey(objID), partsPayload, 0).Err(); err != nil {
		return fmt.Errorf("fakes: store parts for %s: %w", objID, err)
	}
	return nil
}

func (m *MetadataService) fetchParts(ctx context.Context, objID string) ([]*model.Part, error) {
	raw, err := m.rdb.Get(ctx, partsKey(objID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("fakes: no parts committed for object %s", objID)
	} else if err != nil {
		return nil, fmt.Errorf("fakes: get parts for %s: %w", objID, err)
	}
	var parts []*model.Part
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return nil, fmt.Errorf("fakes: decode parts for %s: %w", objID, err)
	}
	return parts, nil
}

func (m *MetadataService) storeChunk(ctx context.Context, chunk *model.Chunk) error {
	stub := *chunk
	stub.Plaintext = nil // never persist plaintext through the metadata path
	payload, err := json.Marshal(stub)
	if err != nil {
		return fmt.Errorf("fakes: encode chunk %s: %w", chunk.ID, err)
	}
	if err := m.rdb.Set(ctx, chunkKey(chunk.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("fakes: store chunk %s: %w", chunk.ID, err)
	}
	return nil
}

func (m *MetadataService) fetchChunk(ctx context.Context, chunkID string) (*model.Chunk, error) {
	raw, err := m.rdb.Get(ctx, chunkKey(chunkID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("fakes: chunk %s not registered", chunkID)
	} else if err != nil {
		return nil, fmt.Errorf("fakes: get chunk %s: %w", chunkID, err)
	}
	var chunk model.Chunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		return nil, fmt.Errorf("fakes: decode chunk %s: %w", chunkID, err)
	}
	return &chunk, nil
}

func (m *MetadataService) lookupDedup(ctx context.Context, digest []byte) (string, bool, error) {
	if len(digest) == 0 {
		return "", false, nil
	}
	id, err := m.rdb.Get(ctx, dedupKey(fmt.Sprintf("%x", digest))).Result()
	if err == redis.Nil {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("fakes: dedup lookup: %w", err)
	}
	return id, true, nil
}

func (m *MetadataService) nextNode() string {
	i := m.roundRobin.Add(1) - 1
	return m.opts.Nodes[int(i)%len(m.opts.Nodes)]
}
