package types

import (
	"time"

	"github.com/google/uuid"
)

// ValidationRequest is one upload batch.
type ValidationRequest struct {
	ID          uuid.UUID  `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Warnings    Bag        `json:"warnings,omitempty"`
	Jobs        []*Job     `json:"results"`
}

// HasPending reports whether any job of the request is still Pending.
func (r *ValidationRequest) HasPending() bool {
	for _, j := range r.Jobs {
		if j.Status == StatusPending {
			return true
		}
	}
	return false
}

// Settled reports whether every job of the request reached a terminal status.
func (r *ValidationRequest) Settled() bool {
	for _, j := range r.Jobs {
		if !j.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// RaceResult is a checkpoint/respawn/time/score tuple. Nil fields are unknown.
type RaceResult struct {
	NbCheckpoints *int   `json:"nb_checkpoints,omitempty"`
	NbRespawns    *int   `json:"nb_respawns,omitempty"`
	Time          *int32 `json:"time,omitempty"` // milliseconds
	Score         *int   `json:"score,omitempty"`
}

// IsZero reports whether no field of the result is known.
func (r RaceResult) IsZero() bool {
	return r.NbCheckpoints == nil && r.NbRespawns == nil && r.Time == nil && r.Score == nil
}

// Job is one ghost's unit of validation work.
type Job struct {
	ID          uuid.UUID   `json:"id"`
	Hash        string      `json:"sha256"`
	FileName    *string     `json:"file_name,omitempty"`
	Status      Status      `json:"status"`
	GameVersion GameVersion `json:"game_version"`
	TitleID     string      `json:"title_id,omitempty"`
	ServerBuild string      `json:"server_version"`
	HostFamily  HostFamily  `json:"server_host_family"`

	Declared         RaceResult  `json:"declared_result"`
	Validated        *RaceResult `json:"validated_result,omitempty"`
	IsValid          *bool       `json:"is_valid,omitempty"`
	IsValidExtracted *bool       `json:"is_valid_extracted,omitempty"`

	Replay           *Blob `json:"-"`
	Ghost            *Blob `json:"-"`
	IsGhostExtracted bool  `json:"is_ghost_extracted"`

	GhostUID                 string     `json:"ghost_uid,omitempty"`
	Login                    string     `json:"login,omitempty"`
	MapUID                   string     `json:"map_uid,omitempty"`
	ExeVersion               string     `json:"exe_version,omitempty"`
	ExeChecksum              uint32     `json:"exe_checksum"`
	OsKind                   int        `json:"os_kind"`
	CpuKind                  int        `json:"cpu_kind"`
	RaceSettings             string     `json:"race_settings,omitempty"`
	ValidationSeed           *int       `json:"validation_seed,omitempty"`
	EventsDuration           int32      `json:"events_duration"`
	RaceTime                 *int32     `json:"race_time,omitempty"`
	WalltimeStartedAt        *time.Time `json:"walltime_started_at,omitempty"`
	WalltimeEndedAt          *time.Time `json:"walltime_ended_at,omitempty"`
	SteeringWheelSensitivity bool       `json:"steering_wheel_sensitivity"`
	TitleChecksum            []byte     `json:"title_checksum,omitempty"`
	NbInputs                 int        `json:"nb_inputs"`

	Map         *Map         `json:"map,omitempty"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	Inputs      []Input      `json:"-"`
	Distros     []*DistroRun `json:"distros"`
	Problems    Bag          `json:"problems,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Distro returns the job's run for distro, or nil.
func (j *Job) Distro(distro string) *DistroRun {
	for _, d := range j.Distros {
		if d.DistroID == distro {
			return d
		}
	}
	return nil
}

// DisplayName returns the file name when known, otherwise the content hash.
func (j *Job) DisplayName() string {
	if j.FileName != nil && *j.FileName != "" {
		return *j.FileName
	}
	return j.Hash
}

// DistroRun is one job's validation attempt under one distribution.
type DistroRun struct {
	ID               uuid.UUID   `json:"id"`
	JobID            uuid.UUID   `json:"-"`
	DistroID         string      `json:"distro"`
	Status           Status      `json:"status"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	IsValid          *bool       `json:"is_valid,omitempty"`
	IsValidExtracted *bool       `json:"is_valid_extracted,omitempty"`
	Declared         *RaceResult `json:"declared_result,omitempty"`
	Validated        *RaceResult `json:"validated_result,omitempty"`
	AccountID        *uuid.UUID  `json:"account_id,omitempty"`
	InputsResult     *string     `json:"inputs_result,omitempty"`
	Desc             *string     `json:"desc,omitempty"`
	RawJSON          string      `json:"-"`
	LogID            *int64      `json:"log_id,omitempty"`
}

// Checkpoint is one recorded checkpoint crossing.
type Checkpoint struct {
	Time        *int32   `json:"time,omitempty"`
	StuntsScore *int     `json:"stunts_score,omitempty"`
	Speed       *float32 `json:"speed,omitempty"`
}

// Input is one recorded player input event.
type Input struct {
	Time    int32    `json:"time"`
	Name    string   `json:"name"`
	Value   *int     `json:"value,omitempty"`
	Pressed *bool    `json:"pressed,omitempty"`
	X       *uint16  `json:"x,omitempty"`
	Y       *uint16  `json:"y,omitempty"`
	ValueF  *float32 `json:"value_f,omitempty"`
}

// Blob is immutable content-addressed binary storage.
type Blob struct {
	ID             uuid.UUID `json:"id"`
	Hash           string    `json:"sha256"`
	Data           []byte    `json:"-"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	ETag           string    `json:"etag"`
}

// Map is one resolved track definition.
type Map struct {
	ID              uuid.UUID   `json:"id"`
	Hash            *string     `json:"sha256,omitempty"`
	GameVersion     GameVersion `json:"game_version"`
	MapUID          string      `json:"map_uid"`
	Name            string      `json:"name,omitempty"`
	DeformattedName string      `json:"deformatted_name,omitempty"`
	EnvironmentID   string      `json:"environment,omitempty"`
	ModeID          string      `json:"mode,omitempty"`
	AuthorTime      *int32      `json:"author_time,omitempty"`
	AuthorScore     *int        `json:"author_score,omitempty"`
	NbLaps          int         `json:"nb_laps"`
	Thumbnail       []byte      `json:"-"`
	File            *Blob       `json:"-"`
	UserUploaded    bool        `json:"user_uploaded"`
	ExternalID      *string     `json:"external_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// IsCanonical reports whether lookups should prefer this map.
func (m *Map) IsCanonical() bool {
	return !m.UserUploaded
}
