// Package splitter implements the content-defined rolling-hash stream
// splitter (C1): a single-pass, boundary-detecting scanner over an opaque
// byte stream that also computes whole-stream MD5/SHA-256 digests.
//
// The rolling hash is a Rabin-style polynomial fingerprint over a fixed
// 16-byte sliding window (see rollinghash.go for the GF(2) table
// construction); the polynomial and window length are process-wide
// constants, never configured per stream.
package splitter

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"hash"
)

// Config holds the per-stream splitter parameters.
type Config struct {
	MinChunk     int64
	MaxChunk     int64
	AvgChunkBits uint
	CalcMD5      bool
	CalcSHA256   bool
}

func (c Config) validate() error {
	if c.MinChunk <= 0 {
		return fmt.Errorf("splitter: min_chunk must be > 0, got %d", c.MinChunk)
	}
	if c.MinChunk > c.MaxChunk {
		return fmt.Errorf("splitter: min_chunk (%d) must be <= max_chunk (%d)", c.MinChunk, c.MaxChunk)
	}
	return nil
}

// Result is one chunk emitted by the splitter, either on a mid-stream
// boundary (from Push) or as the residual tail (from Finish).
type Result struct {
	Size int64
	Data []byte
}

// Splitter scans pushed byte slices for content-defined boundaries. It is
// not safe for concurrent use; callers serialize pushes for one stream.
type Splitter struct {
	cfg  Config
	mask uint64
	tbl  *gfTables

	window [windowSize]byte
	wpos   int
	fp     uint64

	buf  []byte // bytes accumulated for the currently-open chunk
	size int64  // len(buf), kept separately to avoid repeated len() in the hot loop

	md5    hash.Hash
	sha256 hash.Hash
}

// New constructs a Splitter for one stream. cfg is validated eagerly so
// configuration mistakes surface at construction, not mid-stream.
func New(cfg Config) (*Splitter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Splitter{
		cfg:  cfg,
		mask: (uint64(1) << cfg.AvgChunkBits) - 1,
		tbl:  tables(),
		buf:  make([]byte, 0, cfg.MinChunk+((cfg.MaxChunk-cfg.MinChunk)/2)),
	}
	if cfg.CalcMD5 {
		s.md5 = md5.New()
	}
	if cfg.CalcSHA256 {
		s.sha256 = sha256.New()
	}
	return s, nil
}

const polShift = polDegree - 8

// Push consumes the whole input buffer, updating the whole-stream digests
// and returning every chunk boundary crossed while processing it. The
// residual bytes (not yet closing a chunk) remain buffered internally.
func (s *Splitter) Push(data []byte) []Result {
	if len(data) == 0 {
		return nil
	}

	if s.md5 != nil {
		s.md5.Write(data)
	}
	if s.sha256 != nil {
		s.sha256.Write(data)
	}

	var out []Result
	minChunk := s.cfg.MinChunk
	maxChunk := s.cfg.MaxChunk
	mask := s.mask

	i := 0
	n := len(data)
	for i < n {
		// Phase: skip ahead to min_chunk without touching the rolling
		// hash — a boundary cannot be declared before min_chunk anyway.
		if s.size < minChunk {
			skip := minChunk - s.size
			if int64(n-i) < skip {
				skip = int64(n - i)
			}
			s.buf = append(s.buf, data[i:i+int(skip)]...)
			s.size += skip
			i += int(skip)
			continue
		}

		b := data[i]
		i++
		s.buf = append(s.buf, b)
		s.size++

		out2 := s.window[s.wpos]
		s.window[s.wpos] = b
		s.fp ^= s.tbl.out[out2]
		s.wpos = (s.wpos + 1) % windowSize

		index := s.fp >> polShift
		s.fp = (s.fp << 8) | uint64(b)
		s.fp ^= s.tbl.mod[index]

		if s.size >= minChunk && ((s.fp&mask) == mask || s.size == maxChunk) {
			out = append(out, Result{Size: s.size, Data: s.buf})
			s.resetChunk()
		}
	}

	return out
}

// resetChunk starts a new chunk: the rolling window and fingerprint are
// zeroed so boundaries are independent of everything before them.
func (s *Splitter) resetChunk() {
	s.window = [windowSize]byte{}
	s.wpos = 0
	s.fp = 0
	s.size = 0
	s.buf = make([]byte, 0, cap(s.buf))
}

// Finish finalizes the whole-stream digests and returns the residual chunk
// (the bytes accumulated since the last boundary), if any. The splitter
// never emits a trailing boundary on its own — per the design's committed
// choice (see DESIGN.md, "Open Question decisions"), the caller always treats Finish's residual as
// the final chunk of the stream.
func (s *Splitter) Finish() (residual *Result, md5Sum, sha256Sum []byte) {
	if s.size > 0 {
		residual = &Result{Size: s.size, Data: s.buf}
	}
	if s.md5 != nil {
		md5Sum = s.md5.Sum(nil)
	}
	if s.sha256 != nil {
		sha256Sum = s.sha256.Sum(nil)
	}
	return residual, md5Sum, sha256Sum
}
