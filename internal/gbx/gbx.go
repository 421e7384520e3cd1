// Package gbx defines the recording decoder contract. The binary format is a
// black box: decoding is delegated to an external tool and only its structured
// output is consumed here.
package gbx

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/revalidate/internal/types"
)

// Kind classifies an uploaded file.
type Kind string

const (
	KindUnknown Kind = "unknown"
	KindReplay  Kind = "replay"
	KindGhost   Kind = "ghost"
	KindMap     Kind = "map"
)

// Header is the cheap classification of a file, read without materializing the body.
type Header struct {
	Kind        Kind   `json:"kind"`
	ClassID     string `json:"class_id,omitempty"`
	GameVersion string `json:"game_version,omitempty"`
}

// Ghost is one decoded race attempt.
type Ghost struct {
	// Data holds the standalone ghost bytes. Set for ghosts extracted from a replay.
	Data []byte `json:"data,omitempty"`

	GameVersion              string             `json:"game_version"`
	GhostUID                 string             `json:"ghost_uid,omitempty"`
	Login                    string             `json:"login,omitempty"`
	MapUID                   string             `json:"map_uid,omitempty"`
	TitleID                  string             `json:"title_id,omitempty"`
	ExeVersion               string             `json:"exe_version,omitempty"`
	ExeChecksum              uint32             `json:"exe_checksum"`
	OsKind                   int                `json:"os_kind"`
	CpuKind                  int                `json:"cpu_kind"`
	RaceSettings             string             `json:"race_settings,omitempty"`
	ValidationSeed           *int               `json:"validation_seed,omitempty"`
	EventsDuration           int32              `json:"events_duration"`
	RaceTime                 *int32             `json:"race_time,omitempty"`
	NbRespawns               *int               `json:"nb_respawns,omitempty"`
	StuntScore               *int               `json:"stunt_score,omitempty"`
	WalltimeStart            *time.Time         `json:"walltime_start,omitempty"`
	WalltimeEnd              *time.Time         `json:"walltime_end,omitempty"`
	SteeringWheelSensitivity bool               `json:"steering_wheel_sensitivity"`
	TitleChecksum            []byte             `json:"title_checksum,omitempty"`
	Checkpoints              []types.Checkpoint `json:"checkpoints"`
	Inputs                   []types.Input      `json:"inputs"`
}

// Version returns the parsed game version of the ghost.
func (g *Ghost) Version() types.GameVersion {
	return types.ParseGameVersion(g.GameVersion)
}

// Replay is a container of ghosts recorded on one map.
type Replay struct {
	MapUID string   `json:"map_uid,omitempty"`
	Ghosts []*Ghost `json:"ghosts"`
}

// Map is the metadata of a decoded track.
type Map struct {
	UID             string `json:"map_uid"`
	GameVersion     string `json:"game_version"`
	Name            string `json:"name,omitempty"`
	DeformattedName string `json:"deformatted_name,omitempty"`
	EnvironmentID   string `json:"environment,omitempty"`
	ModeID          string `json:"mode,omitempty"`
	AuthorTime      *int32 `json:"author_time,omitempty"`
	AuthorScore     *int   `json:"author_score,omitempty"`
	NbLaps          int    `json:"nb_laps"`
	Thumbnail       []byte `json:"thumbnail,omitempty"`
}

// Version returns the parsed game version of the map.
func (m *Map) Version() types.GameVersion {
	return types.ParseGameVersion(m.GameVersion)
}

// Decoder parses recording blobs into structured objects.
type Decoder interface {
	Header(ctx context.Context, data []byte) (*Header, error)
	DecodeReplay(ctx context.Context, data []byte) (*Replay, error)
	DecodeGhost(ctx context.Context, data []byte) (*Ghost, error)
	DecodeMap(ctx context.Context, data []byte) (*Map, error)
}

// DecodeError reports a blob the decoder could not handle.
type DecodeError struct {
	Op      string
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
