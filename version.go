package sentinel

// Version is the release version, set via ldflags.
var Version = "dev"
