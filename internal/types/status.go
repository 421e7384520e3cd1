package types

// Status is the lifecycle state shared by jobs and distro runs.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no automatic transition leaves this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal state-machine step.
// Pending may jump straight to Failed when a whole group aborts before dispatch.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// GameVersion identifies the game family a recording belongs to.
type GameVersion string

const (
	GameVersionNone   GameVersion = "None"
	GameVersionTMF    GameVersion = "TMF"
	GameVersionTM2    GameVersion = "TM2"
	GameVersionTM2020 GameVersion = "TM2020"
)

// ParseGameVersion maps a free-form game version name to a GameVersion.
func ParseGameVersion(s string) GameVersion {
	switch s {
	case "TM2020", "tm2020", "Trackmania":
		return GameVersionTM2020
	case "TM2", "tm2", "MP4", "ManiaPlanet":
		return GameVersionTM2
	case "TMF", "tmf":
		return GameVersionTMF
	default:
		return GameVersionNone
	}
}

// ServerType returns the validator server type for the game version.
func (v GameVersion) ServerType() (string, bool) {
	switch v {
	case GameVersionTM2020:
		return "TM2020", true
	case GameVersionTM2:
		return "ManiaPlanet", true
	default:
		return "", false
	}
}

// HostFamily selects where the validator downloads server assets from.
type HostFamily string

const (
	// HostFamilyCloud is the publisher CDN used by modern builds.
	HostFamilyCloud HostFamily = "cloud"
	// HostFamilyMirror is the community mirror serving old builds.
	HostFamilyMirror HostFamily = "mirror"
)

// Sources returns the statuses from which next can be reached in one step.
func Sources(next Status) []Status {
	var out []Status
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}
