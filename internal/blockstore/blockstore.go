// Package blockstore implements the block-store transport the map client
// and read path treat as an opaque `read_block`/`write_block` RPC pair
// [S6]. Storage agents are modeled as S3-compatible endpoints, one
// *s3.Client per node_id, grounded in the teacher's internal/s3/client.go
// wiring of aws-sdk-go-v2.
package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kenchrcum/ioengine/internal/model"
)

// AgentConfig describes one storage agent's S3-compatible endpoint.
type AgentConfig struct {
	NodeID    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Store is the block-store transport: one S3 client per node_id, keyed by
// the agent registry supplied at construction.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*agent
}

type agent struct {
	client *s3.Client
	bucket string
}

// New builds a Store with one client per configured agent.
func New(ctx context.Context, agents []AgentConfig) (*Store, error) {
	s := &Store{agents: make(map[string]*agent, len(agents))}
	for _, a := range agents {
		if err := s.AddAgent(ctx, a); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddAgent registers (or replaces) the client for one node_id.
func (s *Store) AddAgent(ctx context.Context, a AgentConfig) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(a.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(a.AccessKey, a.SecretKey, "")),
	)
	if err != nil {
		return fmt.Errorf("blockstore: load aws config for node %s: %w", a.NodeID, err)
	}

	opts := []func(*s3.Options){func(o *s3.Options) { o.UsePathStyle = true }}
	if a.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(a.Endpoint) })
	}

	client := s3.NewFromConfig(awsCfg, opts...)
	s.mu.Lock()
	s.agents[a.NodeID] = &agent{client: client, bucket: a.Bucket}
	s.mu.Unlock()
	return nil
}

func (s *Store) agentFor(nodeID string) (*agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[nodeID]
	if !ok {
		return nil, fmt.Errorf("blockstore: no agent registered for node %s", nodeID)
	}
	return a, nil
}

// EnsureBucket creates the agent's bucket if it does not already exist;
// used by tests and first-run setup against a fresh agent.
func (s *Store) EnsureBucket(ctx context.Context, nodeID string) error {
	a, err := s.agentFor(nodeID)
	if err != nil {
		return err
	}
	_, err = a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("blockstore: ensure bucket for node %s: %w", nodeID, err)
	}
	return nil
}

// WriteBlock writes a fragment's ciphertext to the agent named by
// block.NodeID, at the key given by block.Address.
func (s *Store) WriteBlock(ctx context.Context, block *model.Block, data []byte) error {
	a, err := s.agentFor(block.NodeID)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(block.Address),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("blockstore: write_block %s on node %s: %w", block.BlockID, block.NodeID, err)
	}
	return nil
}

// ReadBlock fetches a fragment's ciphertext from the agent named by
// block.NodeID, at the key given by block.Address.
func (s *Store) ReadBlock(ctx context.Context, block *model.Block) ([]byte, error) {
	a, err := s.agentFor(block.NodeID)
	if err != nil {
		return nil, err
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(block.Address),
	})
	if err != nil {
		return nil, fmt.Errorf("blockstore: read_block %s on node %s: %w", block.BlockID, block.NodeID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blockstore: read_block %s body: %w", block.BlockID, err)
	}
	return data, nil
}
