package meta

import (
	"fmt"
	"runtime"
)

// Info describes the build the nsqc library and CLI were compiled from.
//
// The fields are filled in by the Go linker, see the vars below.
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
}

// These will be filled in using the linker -X flag
var (
	// Version as an arbitrary string
	Version string

	// Build is the Git sha from when we are building
	Build string

	// Branch is the Git branch that we are building from
	Branch string

	// BuildTimeUTC is the build time in UTC (year/month/day hour:min:sec)
	BuildTimeUTC string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

// GetInfo returns an Info struct populated with the build information.
func GetInfo() Info {
	return Info{
		GoVersion: runtime.Version(),
		Version:   UserAgentVersion(),
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		Platform:  platform,
	}
}

// UserAgentVersion is the version advertised to brokers in IDENTIFY. Builds
// without linker flags report "dev".
func UserAgentVersion() string {
	if Version == "" {
		return "dev"
	}

	return Version
}

func (i Info) String() string {
	return fmt.Sprintf("nsqc %s (%s on %s, %s, %s)", i.Version, i.Build, i.Branch, i.Platform, i.GoVersion)
}
