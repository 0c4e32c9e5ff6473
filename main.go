// Command skywork runs the background job scheduler and its CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/3leaps/skywork/internal/cmd"
)

// Populated at build time via -ldflags.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

var exitCodeRe = regexp.MustCompile(`\(exit code (\d+)\)$`)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode extracts the embedded exit code from an error chain, falling
// back to 1 for plain errors.
func exitCode(err error) int {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if m := exitCodeRe.FindStringSubmatch(e.Error()); m != nil {
			if code, convErr := strconv.Atoi(m[1]); convErr == nil {
				return code
			}
		}
	}
	return 1
}
