package version

// Version is the gachacap release version, overridden at build time via
// -ldflags "-X github.com/gachacap/gachacap/internal/version.Version=...".
var Version = "0.1.0-dev"
