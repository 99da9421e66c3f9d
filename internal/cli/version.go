package cli

import (
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags
var (
	version = "dev"
	commit  = "unknown"
)

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			v, c := resolveVersion()
			a.printf("salesetl %s (%s) %s/%s\n", v, c, runtime.GOOS, runtime.GOARCH)
		},
	}
}

// resolveVersion prefers ldflags and falls back to module build info.
func resolveVersion() (string, string) {
	v, c := version, commit
	if v != "dev" {
		return v, c
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if mv := info.Main.Version; mv != "" && mv != "(devel)" {
			v = mv
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && c == "unknown" {
				c = s.Value
			}
		}
	}
	return v, c
}
