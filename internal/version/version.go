package version

// Set at build time with
// -ldflags "-X github.com/Layr-Labs/deferred-check/internal/version.Version=... -X ...Commit=..."
var (
	Version = "unknown"
	Commit  = "unknown"
)

func GetVersion() string {
	return Version
}

func GetCommit() string {
	return Commit
}
