package race

import "github.com/kolkov/racecore/internal/race/racelog"

// Version is the runtime release, in semver without the leading v.
const Version = "0.1.0"

// Info describes the default runtime.
type Info struct {
	Version   string
	Algorithm string

	// LogFormat is the race log format version new logs are written with.
	LogFormat string

	// Enabled is true while the default runtime exists and checks accesses.
	Enabled bool
}

// GetInfo reports the build and the state of the default runtime. It never
// initializes the runtime.
//
//	info := race.GetInfo()
//	fmt.Printf("racecore %s, log format %s\n", info.Version, info.LogFormat)
func GetInfo() Info {
	mu.Lock()
	r := rt
	mu.Unlock()
	return Info{
		Version:   Version,
		Algorithm: "vector clocks with generation-based reclamation",
		LogFormat: racelog.FormatVersion,
		Enabled:   r != nil && r.Enabled(),
	}
}
