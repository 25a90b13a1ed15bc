package app

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""
)

func BuildVersion() string {
	if version := strings.TrimSpace(Version); version != "" {
		return version
	}

	return "dev"
}

// BuildDateYMD accepts RFC3339 or anything starting with a YYYY-MM-DD date.
func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		return ""
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.Format(time.DateOnly)
	}
	if len(raw) >= len(time.DateOnly) {
		if _, err := time.Parse(time.DateOnly, raw[:len(time.DateOnly)]); err == nil {
			return raw[:len(time.DateOnly)]
		}
	}

	return raw
}

func BuildVersionWithDate() string {
	version := BuildVersion()
	if date := BuildDateYMD(); date != "" {
		return fmt.Sprintf("%s (%s)", version, date)
	}

	return version
}

// VersionLine is printed by --version.
func VersionLine() string {
	return fmt.Sprintf("%s %s %s", Name, BuildVersionWithDate(), runtime.Version())
}

// UserAgent identifies the relay to the Matrix homeserver.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (+%s)", Name, BuildVersion(), SourceURL)
}
