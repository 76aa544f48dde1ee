package version

import (
	"bytes"
	"fmt"
	"runtime/debug"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo lists the main module and its dependencies, one per
// line, with replacements after an arrow.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		fmt.Fprintf(buf, " dep\t%s\t%s", dep.Path, dep.Version)
		if r := dep.Replace; r != nil {
			fmt.Fprintf(buf, "\t=> %s\t%s", r.Path, r.Version)
		}
		buf.WriteByte('\n')
	}
	for _, s := range info.Settings {
		if s.Key == "CGO_ENABLED" {
			fmt.Fprintf(buf, " cgo\t%s\n", s.Value)
		}
	}
	return buf.String()
}
