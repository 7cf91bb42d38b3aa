package version

// Version is the release version, overridden at build time via -ldflags.
var Version = "dev"
