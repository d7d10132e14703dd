// Package ioerrors defines the typed error taxonomy shared by the
// mapclient, pipeline, and read path: the kinds the error handling design
// distinguishes by how the coordinator must react (retry, surface to the
// caller, or treat as a code/metadata bug).
package ioerrors

import "fmt"

// ErrReconstruction means too few fragments were obtainable to decode a
// chunk; fatal for the containing part and therefore the read request.
type ErrReconstruction struct {
	ChunkID string
	Reason  string
}

func (e *ErrReconstruction) Error() string {
	return fmt.Sprintf("ioerrors: reconstruction failed for chunk %s: %s", e.ChunkID, e.Reason)
}

// ErrTampering is raised only in verification mode, when a block's
// recomputed digest does not match its recorded digest.
type ErrTampering struct {
	BlockID string
	NodeID  string
}

func (e *ErrTampering) Error() string {
	return fmt.Sprintf("ioerrors: TAMPERING detected on block %s (node %s)", e.BlockID, e.NodeID)
}

// ErrIntegrity means the assembled read buffer does not match the
// requested range's length, or a requested byte has no mapped part; it
// indicates a metadata or code bug, not a transient failure.
type ErrIntegrity struct {
	ObjID          string
	Start, End     int64
	AssembledBytes int64
}

func (e *ErrIntegrity) Error() string {
	return fmt.Sprintf("ioerrors: INTEGRITY assembling %s [%d,%d): got %d bytes", e.ObjID, e.Start, e.End, e.AssembledBytes)
}

// ErrUploadMap means the mapper reported had_errors for a batch: fatal for
// that batch, the pipeline aborts the upload.
type ErrUploadMap struct {
	BatchID string
	Reason  string
}

func (e *ErrUploadMap) Error() string {
	return fmt.Sprintf("ioerrors: upload map reported errors for batch %s: %s", e.BatchID, e.Reason)
}
