// Package validator launches the containerized validation server and decodes
// the records it writes to standard output.
package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/revalidate/internal/types"
)

// RawResult is a race result as reported by the validator, before sentinel
// normalization. Counts are wide enough to hold unsigned sentinels.
type RawResult struct {
	NbCheckpoints *int64 `json:"NbCheckpoints,omitempty"`
	NbRespawns    *int64 `json:"NbRespawns,omitempty"`
	Time          *int64 `json:"Time,omitempty"`
	Score         *int64 `json:"Score,omitempty"`
}

// Record is one validator output object, describing one validated file.
type Record struct {
	FileName string `json:"FileName"`
	IsValid  *bool  `json:"IsValid,omitempty"`

	// flat result fields describe the declared result
	RawResult

	DeclaredResult  *RawResult      `json:"DeclaredResult,omitempty"`
	ValidatedResult *RawResult      `json:"ValidatedResult,omitempty"`
	Inputs          json.RawMessage `json:"Inputs,omitempty"`
	Desc            *string         `json:"Desc,omitempty"`
	AccountID       *string         `json:"AccountId,omitempty"`
	GameBuild       *string         `json:"GameBuild,omitempty"`
	MapUID          *string         `json:"MapUid,omitempty"`
	Login           *string         `json:"Login,omitempty"`

	// Unknown holds properties this version does not understand.
	Unknown map[string]json.RawMessage `json:"-"`
	// Raw is the record exactly as received.
	Raw json.RawMessage `json:"-"`
}

var knownFields = map[string]bool{
	"FileName":        true,
	"IsValid":         true,
	"NbCheckpoints":   true,
	"NbRespawns":      true,
	"Time":            true,
	"Score":           true,
	"DeclaredResult":  true,
	"ValidatedResult": true,
	"Inputs":          true,
	"Desc":            true,
	"AccountId":       true,
	"GameBuild":       true,
	"MapUid":          true,
	"Login":           true,
}

// UnmarshalJSON decodes the known fields and collects the rest into Unknown.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, v := range all {
		if knownFields[k] {
			continue
		}
		if p.Unknown == nil {
			p.Unknown = make(map[string]json.RawMessage)
		}
		p.Unknown[k] = v
	}

	*r = Record(p)
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// FileKind tells which workspace file a record refers to.
type FileKind string

const (
	FileReplay FileKind = "Replay"
	FileGhost  FileKind = "Ghost"
)

// FileName returns the workspace file name for a job's recording.
func FileName(jobID uuid.UUID, kind FileKind) string {
	return jobID.String() + "." + string(kind) + ".Gbx"
}

// ParseFileName extracts the job id and file kind from `<jobId>.Replay.Gbx` or `<jobId>.Ghost.Gbx`.
func ParseFileName(name string) (uuid.UUID, FileKind, error) {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	lower := strings.ToLower(base)

	var kind FileKind
	var stem string
	switch {
	case strings.HasSuffix(lower, ".replay.gbx"):
		kind, stem = FileReplay, base[:len(base)-len(".replay.gbx")]
	case strings.HasSuffix(lower, ".ghost.gbx"):
		kind, stem = FileGhost, base[:len(base)-len(".ghost.gbx")]
	default:
		return uuid.Nil, "", fmt.Errorf("unexpected file name %q", name)
	}

	id, err := uuid.Parse(stem)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("file name %q does not carry a job id: %w", name, err)
	}
	return id, kind, nil
}

// isSentinel reports whether v is one of the "not applicable" markers used by
// different validator builds.
func isSentinel(v int64) bool {
	return v == -1 || v == math.MaxInt32 || v == math.MaxUint32
}

// NormalizeCount maps sentinels and out-of-range values to nil.
func NormalizeCount(v *int64) *int {
	if v == nil || isSentinel(*v) || *v < math.MinInt32 || *v > math.MaxInt32 {
		return nil
	}
	n := int(*v)
	return &n
}

// NormalizeTime maps sentinels and out-of-range values to nil.
func NormalizeTime(v *int64) *int32 {
	if v == nil || isSentinel(*v) || *v < math.MinInt32 || *v > math.MaxInt32 {
		return nil
	}
	t := int32(*v)
	return &t
}

// Normalize converts a raw result into a race result.
func (r *RawResult) Normalize() *types.RaceResult {
	if r == nil {
		return nil
	}
	return &types.RaceResult{
		NbCheckpoints: NormalizeCount(r.NbCheckpoints),
		NbRespawns:    NormalizeCount(r.NbRespawns),
		Time:          NormalizeTime(r.Time),
		Score:         NormalizeCount(r.Score),
	}
}

// Declared merges the flat fields with the DeclaredResult object, which wins
// where both are present. It returns nil when neither carries a value.
func (r *Record) Declared() *types.RaceResult {
	merged := r.RawResult
	if d := r.DeclaredResult; d != nil {
		if d.NbCheckpoints != nil {
			merged.NbCheckpoints = d.NbCheckpoints
		}
		if d.NbRespawns != nil {
			merged.NbRespawns = d.NbRespawns
		}
		if d.Time != nil {
			merged.Time = d.Time
		}
		if d.Score != nil {
			merged.Score = d.Score
		}
	}
	if merged.NbCheckpoints == nil && merged.NbRespawns == nil && merged.Time == nil && merged.Score == nil {
		return nil
	}
	return merged.Normalize()
}

// Validated returns the normalized validated result, or nil.
func (r *Record) Validated() *types.RaceResult {
	return r.ValidatedResult.Normalize()
}

// Account parses AccountId, returning nil when absent or malformed.
func (r *Record) Account() *uuid.UUID {
	if r.AccountID == nil {
		return nil
	}
	id, err := uuid.Parse(*r.AccountID)
	if err != nil {
		return nil
	}
	return &id
}
