package fakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/kenchrcum/ioengine/internal/model"
)

// BlockAgent is an in-memory stand-in for a storage agent's block RPCs,
// generalizing the map-client test suite's single-node fakeWriter into a
// shared double usable by both write-path (mapclient.BlockWriter) and
// read-path (readpath.BlockReader) integration tests, with per-block
// failure injection for exercising erasure fallback and verification
// mode.
type BlockAgent struct {
	mu       sync.Mutex
	payloads map[string][]byte
	failing  map[string]bool
}

// NewBlockAgent constructs an empty BlockAgent.
func NewBlockAgent() *BlockAgent {
	return &BlockAgent{
		payloads: make(map[string][]byte),
		failing:  make(map[string]bool),
	}
}

// WriteBlock implements mapclient.BlockWriter.
func (a *BlockAgent) WriteBlock(ctx context.Context, block *model.Block, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing[block.BlockID] {
		return fmt.Errorf("fakes: simulated write failure for block %s", block.BlockID)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	a.payloads[block.BlockID] = stored
	return nil
}

// ReadBlock implements readpath.BlockReader.
func (a *BlockAgent) ReadBlock(ctx context.Context, block *model.Block) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing[block.BlockID] {
		return nil, fmt.Errorf("fakes: simulated read failure for block %s", block.BlockID)
	}
	payload, ok := a.payloads[block.BlockID]
	if !ok {
		return nil, fmt.Errorf("fakes: block %s not found", block.BlockID)
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// FailBlock makes every subsequent read or write of blockID fail, to
// simulate a dead storage agent or a corrupted/unreachable replica.
func (a *BlockAgent) FailBlock(blockID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failing[blockID] = true
}

// Recover undoes a prior FailBlock.
func (a *BlockAgent) Recover(blockID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failing, blockID)
}

// Corrupt flips a byte in a stored block's payload, simulating silent bit
// rot for tamper-detection tests. It is a no-op if the block isn't
// present.
func (a *BlockAgent) Corrupt(blockID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload, ok := a.payloads[blockID]
	if !ok || len(payload) == 0 {
		return
	}
	payload[0] ^= 0xFF
}

// ReportCounter is an adapter-free readpath.ErrorReporter for tests that
// only need a block agent and no metadata service. It records every
// report it receives for assertions.
type ReportCounter struct {
	mu      sync.Mutex
	reports []ReportRecord
}

// ReportRecord is one captured ReportError call.
type ReportRecord struct {
	Action, ObjID, BlockID, NodeID, Message string
}

// NewReportCounter constructs an empty ReportCounter.
func NewReportCounter() *ReportCounter {
	return &ReportCounter{}
}

// ReportError implements readpath.ErrorReporter.
func (r *ReportCounter) ReportError(ctx context.Context, action, objID, blockID, nodeID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, ReportRecord{Action: action, ObjID: objID, BlockID: blockID, NodeID: nodeID, Message: message})
}

// Records returns a snapshot of every report received so far.
func (r *ReportCounter) Records() []ReportRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReportRecord, len(r.reports))
	copy(out, r.reports)
	return out
}
