// Package mapclient implements C4: the per-batch allocate/write/finalize
// state machine that coordinates the (out-of-scope) metadata service and
// block-store agents for one coalesced batch of chunks.
package mapclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/kenchrcum/ioengine/internal/ioerrors"
	"github.com/kenchrcum/ioengine/internal/model"
)

// State is one step of the batch state machine.
type State int

const (
	StateInit State = iota
	StateAllocate
	StateWrite
	StateFinalize
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAllocate:
		return "ALLOCATE"
	case StateWrite:
		return "WRITE"
	case StateFinalize:
		return "FINALIZE"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// FragmentBytes is one fragment's ciphertext, ready to write once the
// metadata service allocates a block target for it.
type FragmentBytes struct {
	Kind    model.FragmentKind
	Index   int
	Payload []byte
}

// ChunkUpload pairs a chunk awaiting allocation with its encoded fragment
// bytes.
type ChunkUpload struct {
	Chunk     *model.Chunk
	Fragments []FragmentBytes
}

// FragmentAllocation is the service's placement decision for one fragment:
// the ordered list of replica block targets to write to.
type FragmentAllocation struct {
	Kind   model.FragmentKind
	Index  int
	Blocks []*model.Block
}

// ChunkDecision is the service's ALLOCATE response for one chunk: either a
// dedup hit (DupOf set, no writes needed) or an allocation list.
type ChunkDecision struct {
	ChunkID     string
	DupOf       string
	Allocations []FragmentAllocation
}

// FinalizedBlock reports one block write outcome, carried into FINALIZE.
type FinalizedBlock struct {
	ChunkID string
	Kind    model.FragmentKind
	Index   int
	Block   *model.Block
	Success bool
}

// FinalizeResult is the metadata service's FINALIZE response.
type FinalizeResult struct {
	HadErrors bool
	Message   string
}

// MetadataService is the RPC boundary to the out-of-scope metadata
// service, scoped to the calls the map client needs.
type MetadataService interface {
	Allocate(ctx context.Context, batchID string, chunks []*model.Chunk, checkDups bool) ([]ChunkDecision, error)
	Finalize(ctx context.Context, batchID string, blocks []FinalizedBlock) (FinalizeResult, error)
	Abort(ctx context.Context, batchID string) error
	// ReportError is best-effort; callers must swallow its own failures and
	// never let it mask the original I/O error [S4.9].
	ReportError(ctx context.Context, report ErrorReport)
}

// ErrorReport is the async report_error_on_object payload.
type ErrorReport struct {
	Action  string
	ObjID   string
	BlockID string
	NodeID  string
	RPCCode string
	Message string
}

// BlockWriter is the block-store transport boundary.
type BlockWriter interface {
	WriteBlock(ctx context.Context, block *model.Block, data []byte) error
}

// Options configures retry/backoff and write concurrency.
type Options struct {
	CheckDups        bool
	WriteConcurrency int
	Backoff          backoff.BackOff // nil uses a sane exponential default
}

// Client runs the per-batch ALLOCATE/WRITE/FINALIZE state machine. It is
// reentrant: Process holds no client-wide mutable state, so the encoder may
// call back into the same Client for inline-verification re-reads while
// another Process call is in flight.
type Client struct {
	svc    MetadataService
	writer BlockWriter
	opts   Options
}

func New(svc MetadataService, writer BlockWriter, opts Options) *Client {
	if opts.WriteConcurrency < 1 {
		opts.WriteConcurrency = 8
	}
	return &Client{svc: svc, writer: writer, opts: opts}
}

// Result is the terminal outcome of one batch.
type Result struct {
	State   State
	Message string
}

func (c *Client) retrier() backoff.BackOff {
	if c.opts.Backoff != nil {
		return c.opts.Backoff
	}
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
}

// Process drives one batch through INIT -> ALLOCATE -> WRITE -> FINALIZE ->
// DONE/FAILED. On any fatal error it attempts a best-effort Abort RPC
// before returning the original error, per the propagation discipline in
// [S5]/[S7].
func (c *Client) Process(ctx context.Context, batchID string, uploads []ChunkUpload) (*Result, error) {
	state := StateInit
	if err := c.run(ctx, batchID, uploads, &state); err != nil {
		_ = c.svc.Abort(ctx, batchID) // best-effort; original error always wins
		state = StateFailed
		return &Result{State: state, Message: err.Error()}, err
	}
	return &Result{State: StateDone}, nil
}

func (c *Client) run(ctx context.Context, batchID string, uploads []ChunkUpload, state *State) error {
	chunks := make([]*model.Chunk, 0, len(uploads))
	byID := make(map[string]*ChunkUpload, len(uploads))
	for i := range uploads {
		chunks = append(chunks, uploads[i].Chunk)
		byID[uploads[i].Chunk.ID] = &uploads[i]
	}

	*state = StateAllocate
	var decisions []ChunkDecision
	err := backoff.Retry(func() error {
		var err error
		decisions, err = c.svc.Allocate(ctx, batchID, chunks, c.opts.CheckDups)
		return err
	}, backoff.WithContext(c.retrier(), ctx))
	if err != nil {
		return fmt.Errorf("mapclient: allocate batch %s: %w", batchID, err)
	}

	*state = StateWrite
	finalized, err := c.write(ctx, batchID, byID, decisions)
	if err != nil {
		return err
	}

	*state = StateFinalize
	var result FinalizeResult
	err = backoff.Retry(func() error {
		var err error
		result, err = c.svc.Finalize(ctx, batchID, finalized)
		return err
	}, backoff.WithContext(c.retrier(), ctx))
	if err != nil {
		return fmt.Errorf("mapclient: finalize batch %s: %w", batchID, err)
	}
	if result.HadErrors {
		return &ioerrors.ErrUploadMap{BatchID: batchID, Reason: result.Message}
	}
	return nil
}

func (c *Client) write(ctx context.Context, batchID string, byID map[string]*ChunkUpload, decisions []ChunkDecision) ([]FinalizedBlock, error) {
	var mu sync.Mutex
	var finalized []FinalizedBlock
	sem := make(chan struct{}, c.opts.WriteConcurrency)
	var wg sync.WaitGroup

	for _, d := range decisions {
		if d.DupOf != "" {
			continue // duplicates are never written [S4.4]
		}
		upload, ok := byID[d.ChunkID]
		if !ok {
			continue
		}
		for _, alloc := range d.Allocations {
			payload := findPayload(upload.Fragments, alloc.Kind, alloc.Index)
			for _, block := range alloc.Blocks {
				wg.Add(1)
				sem <- struct{}{}
				go func(chunkID string, kind model.FragmentKind, index int, block *model.Block, payload []byte) {
					defer wg.Done()
					defer func() { <-sem }()

					success := true
					if err := c.writer.WriteBlock(ctx, block, payload); err != nil {
						success = false
						c.svc.ReportError(ctx, ErrorReport{
							Action:  "write_block",
							ObjID:   chunkID,
							BlockID: block.BlockID,
							NodeID:  block.NodeID,
							Message: err.Error(),
						})
					}

					mu.Lock()
					finalized = append(finalized, FinalizedBlock{
						ChunkID: chunkID, Kind: kind, Index: index, Block: block, Success: success,
					})
					mu.Unlock()
				}(d.ChunkID, alloc.Kind, alloc.Index, block, payload)
			}
		}
	}
	wg.Wait()
	return finalized, nil
}

func findPayload(fragments []FragmentBytes, kind model.FragmentKind, index int) []byte {
	for _, f := range fragments {
		if f.Kind == kind && f.Index == index {
			return f.Payload
		}
	}
	return nil
}
