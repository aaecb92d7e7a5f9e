package main

import (
	"os"

	"github.com/3leaps/jobsup/internal/cmd"
	"github.com/3leaps/jobsup/pkg/jobregistry"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	// Workers re-exec this binary; they must not parse the command line.
	if jobregistry.IsWorkerProcess() {
		os.Exit(cmd.RunWorker())
	}

	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute()
}
