// Package checkpoint persists immutable snapshots of a game session.
//
// Checkpoints are stored through a storage.Backend under
//
//	{episode_id}/{step}.checkpoint
//	{episode_id}/index.json
//
// The index is a cache of the listing. When the two disagree the listing wins
// and the index is rebuilt.
package checkpoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/gameserver/pkg/emulator"
)

// Common errors for checkpoint operations.
var (
	// ErrNotFound is returned when a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt is returned when a record fails checksum or decoding.
	ErrCorrupt = errors.New("checkpoint corrupt")
	// ErrInUse is returned when deleting a checkpoint that is being loaded.
	ErrInUse = errors.New("checkpoint in use")
	// ErrExists is returned when saving a different payload over an existing step.
	ErrExists = errors.New("checkpoint already exists")
	// ErrInvalidID is returned for malformed checkpoint or episode ids.
	ErrInvalidID = errors.New("invalid checkpoint id")
)

const (
	checkpointSuffix = ".checkpoint"
	indexName        = "index.json"
)

// Metadata describes the game a checkpoint belongs to.
type Metadata struct {
	GameName string `json:"game_name,omitempty"`
	GameType string `json:"game_type,omitempty"`
	Emulator string `json:"emulator,omitempty"`
}

// Payload is everything needed to restore a session at one step.
// History slices are index-aligned by step.
type Payload struct {
	State        []byte                 `json:"state"`
	Actions      []string               `json:"actions"`
	Observations []emulator.Observation `json:"observations"`
	Rewards      []float64              `json:"rewards"`
	Metadata     Metadata               `json:"metadata"`
}

// Record is a decoded checkpoint.
type Record struct {
	ID        string    `json:"id"`
	EpisodeID string    `json:"episode_id"`
	Step      int       `json:"step"`
	CreatedAt time.Time `json:"created_at"`
	Payload
}

// Info is the index entry for one checkpoint.
type Info struct {
	ID        string    `json:"id"`
	Step      int       `json:"step"`
	CreatedAt time.Time `json:"created_at"`
	Size      int       `json:"size"`
	Checksum  string    `json:"checksum"`
}

// Index is the per-episode list of checkpoints in ascending step order.
// Published indexes are never mutated; updates build a new Index.
type Index struct {
	EpisodeID   string    `json:"episode_id"`
	Checkpoints []Info    `json:"checkpoints"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// find returns the position of step, or -1.
func (idx *Index) find(step int) int {
	if idx == nil {
		return -1
	}
	for i, info := range idx.Checkpoints {
		if info.Step == step {
			return i
		}
	}
	return -1
}

// with returns a copy of idx with info inserted in step order, replacing any
// entry for the same step.
func (idx *Index) with(info Info) *Index {
	out := &Index{EpisodeID: idx.EpisodeID, UpdatedAt: time.Now().UTC()}
	out.Checkpoints = make([]Info, 0, len(idx.Checkpoints)+1)
	inserted := false
	for _, existing := range idx.Checkpoints {
		if existing.Step == info.Step {
			continue
		}
		if !inserted && existing.Step > info.Step {
			out.Checkpoints = append(out.Checkpoints, info)
			inserted = true
		}
		out.Checkpoints = append(out.Checkpoints, existing)
	}
	if !inserted {
		out.Checkpoints = append(out.Checkpoints, info)
	}
	return out
}

// without returns a copy of idx lacking the given steps.
func (idx *Index) without(steps map[int]bool) *Index {
	out := &Index{EpisodeID: idx.EpisodeID, UpdatedAt: time.Now().UTC()}
	out.Checkpoints = make([]Info, 0, len(idx.Checkpoints))
	for _, info := range idx.Checkpoints {
		if !steps[info.Step] {
			out.Checkpoints = append(out.Checkpoints, info)
		}
	}
	return out
}

// ID returns the checkpoint id for an episode and step.
func ID(episodeID string, step int) string {
	return episodeID + "/" + strconv.Itoa(step)
}

// ParseID splits a checkpoint id into episode and step.
func ParseID(id string) (string, int, error) {
	episodeID, stepStr, ok := strings.Cut(id, "/")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := ValidateEpisodeID(episodeID); err != nil {
		return "", 0, err
	}
	step, err := strconv.Atoi(stepStr)
	if err != nil || step < 0 || strconv.Itoa(step) != stepStr {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return episodeID, step, nil
}

// ValidateEpisodeID checks that an episode id is usable as a single key segment.
func ValidateEpisodeID(episodeID string) error {
	if episodeID == "" || episodeID == "." || episodeID == ".." {
		return fmt.Errorf("%w: episode %q", ErrInvalidID, episodeID)
	}
	if strings.ContainsAny(episodeID, `/\`) {
		return fmt.Errorf("%w: episode %q", ErrInvalidID, episodeID)
	}
	return nil
}

func checkpointKey(episodeID string, step int) string {
	return ID(episodeID, step) + checkpointSuffix
}

func indexKey(episodeID string) string {
	return episodeID + "/" + indexName
}

// parseCheckpointKey extracts the step from "{episode}/{step}.checkpoint".
func parseCheckpointKey(episodeID, key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, episodeID+"/")
	if !ok {
		return 0, false
	}
	stepStr, ok := strings.CutSuffix(rest, checkpointSuffix)
	if !ok {
		return 0, false
	}
	step, err := strconv.Atoi(stepStr)
	if err != nil || step < 0 || strconv.Itoa(step) != stepStr {
		return 0, false
	}
	return step, true
}
