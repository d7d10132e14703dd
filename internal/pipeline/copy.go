package pipeline

import (
	"context"
	"fmt"

	"github.com/kenchrcum/ioengine/internal/model"
)

// CopySource is the mapping/finalize boundary the copy-fast-path needs: it
// reads the source object's existing chunk placements and commits new part
// records against the destination object id with zero data movement.
type CopySource interface {
	ReadObjectMappings(ctx context.Context, objID string) ([]*model.Part, []*model.Chunk, error)
	FinalizeObjectParts(ctx context.Context, objID string, parts []*model.Part) error
}

// CopyParams describes a copy_source upload request.
type CopyParams struct {
	SourceBucket, DestBucket string
	SourceObjID, DestObjID   string
	// HasRange is true when the caller asked for a byte range; fast-copy
	// only applies to whole-object, same-bucket copies [S4.5].
	HasRange bool
}

// Eligible reports whether params qualify for the zero-data-movement copy
// path: same bucket, no byte range.
func (p CopyParams) Eligible() bool {
	return !p.HasRange && p.SourceBucket == p.DestBucket
}

// Copy performs the fast-copy path: re-finalize the source's existing
// parts under the destination object id, without re-reading or
// re-encoding any chunk data.
func Copy(ctx context.Context, src CopySource, params CopyParams) ([]*model.Part, error) {
	if !params.Eligible() {
		return nil, fmt.Errorf("pipeline: copy %s is not eligible for fast-copy (cross-bucket or ranged)", params.SourceObjID)
	}

	parts, _, err := src.ReadObjectMappings(ctx, params.SourceObjID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read mappings for copy source %s: %w", params.SourceObjID, err)
	}

	newParts := make([]*model.Part, len(parts))
	for i, part := range parts {
		clone := *part
		clone.ObjID = params.DestObjID
		newParts[i] = &clone
	}

	if err := src.FinalizeObjectParts(ctx, params.DestObjID, newParts); err != nil {
		return nil, fmt.Errorf("pipeline: finalize copy parts for %s: %w", params.DestObjID, err)
	}
	return newParts, nil
}
