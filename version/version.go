package version

// Version is the git tag of the build, set with
// -ldflags "-X github.com/jake-scott/roborock-proxy/version.Version=..."
var Version string = "dev"
