// Kestrel - Policy-driven AML case decisions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import "github.com/opensource-finance/kestrel/internal/cli"

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit
	cli.BuildDate = BuildDate
	cli.Execute()
}
