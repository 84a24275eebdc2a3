package main

import (
	"github.com/pinpt/syncagent/cmd"
)

// overridden with -ldflags by the release build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.Execute(version, commit, date)
}
