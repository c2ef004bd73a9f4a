package checkpoint

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// formatVersion is bumped on incompatible envelope changes.
const formatVersion = 1

const (
	encodingGzip     = "gzip"
	encodingIdentity = "identity"
	checksumPrefix   = "sha256:"
)

var codecAPI = sonic.ConfigStd

// envelope is the stored form of a checkpoint. Header fields are readable
// without decompressing the body so an index can be rebuilt cheaply.
type envelope struct {
	Format    int       `json:"format"`
	EpisodeID string    `json:"episode_id"`
	Step      int       `json:"step"`
	CreatedAt time.Time `json:"created_at"`
	Encoding  string    `json:"encoding"`
	// Checksum covers Body as stored.
	Checksum string `json:"checksum"`
	Body     []byte `json:"body"`
}

// encodeRecord serializes rec and returns the stored bytes with its index entry.
func encodeRecord(rec *Record, compress bool) ([]byte, Info, error) {
	body, err := codecAPI.Marshal(&rec.Payload)
	if err != nil {
		return nil, Info{}, fmt.Errorf("marshal payload: %w", err)
	}

	encoding := encodingIdentity
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, Info{}, fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, Info{}, fmt.Errorf("compress payload: %w", err)
		}
		body = buf.Bytes()
		encoding = encodingGzip
	}

	sum := checksum(body)
	data, err := codecAPI.Marshal(&envelope{
		Format:    formatVersion,
		EpisodeID: rec.EpisodeID,
		Step:      rec.Step,
		CreatedAt: rec.CreatedAt,
		Encoding:  encoding,
		Checksum:  sum,
		Body:      body,
	})
	if err != nil {
		return nil, Info{}, fmt.Errorf("marshal envelope: %w", err)
	}

	return data, Info{
		ID:        rec.ID,
		Step:      rec.Step,
		CreatedAt: rec.CreatedAt,
		Size:      len(data),
		Checksum:  sum,
	}, nil
}

// decodeHeader parses the envelope and verifies the body checksum.
func decodeHeader(data []byte) (*envelope, error) {
	var env envelope
	if err := codecAPI.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if env.Format != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrCorrupt, env.Format)
	}
	if got := checksum(env.Body); got != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch (stored %s, computed %s)", ErrCorrupt, env.Checksum, got)
	}
	return &env, nil
}

// decodeRecord reverses encodeRecord.
func decodeRecord(data []byte) (*Record, Info, error) {
	env, err := decodeHeader(data)
	if err != nil {
		return nil, Info{}, err
	}

	body := env.Body
	switch env.Encoding {
	case encodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, Info{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		body, err = io.ReadAll(zr)
		if err != nil {
			return nil, Info{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	case encodingIdentity:
	default:
		return nil, Info{}, fmt.Errorf("%w: unknown encoding %q", ErrCorrupt, env.Encoding)
	}

	rec := &Record{
		ID:        ID(env.EpisodeID, env.Step),
		EpisodeID: env.EpisodeID,
		Step:      env.Step,
		CreatedAt: env.CreatedAt,
	}
	if err := codecAPI.Unmarshal(body, &rec.Payload); err != nil {
		return nil, Info{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return rec, env.info(len(data)), nil
}

func (env *envelope) info(size int) Info {
	return Info{
		ID:        ID(env.EpisodeID, env.Step),
		Step:      env.Step,
		CreatedAt: env.CreatedAt,
		Size:      size,
		Checksum:  env.Checksum,
	}
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// shortChecksum trims a checksum for display.
func shortChecksum(sum string) string {
	sum = strings.TrimPrefix(sum, checksumPrefix)
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
