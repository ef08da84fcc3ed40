package main

import (
	"fmt"
	"runtime"
)

// VersionCmd prints build information. version/commit/buildDate are set at
// build time via -ldflags, the same convention the teacher's version.go used.
type VersionCmd struct {
	Short bool `help:"Show only the version number."`
}

func (c *VersionCmd) Run() error {
	if c.Short {
		fmt.Println(version)
		return nil
	}

	fmt.Printf("adiskd version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Built:      %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return nil
}
