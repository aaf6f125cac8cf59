package main

var (
	// Version is the daemon version, overridden at build time via ldflags.
	Version = "1.0.0"
	// Gitref is the git reference the binary was built from.
	Gitref string
)
