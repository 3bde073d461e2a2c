package build

// Version is set at build time with -ldflags "-X github.com/storacha/rtracker/internal/build.Version=..."
var Version = "dev"
