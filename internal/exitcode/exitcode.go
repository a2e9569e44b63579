// Package exitcode maps the failure taxonomy in internal/errkind onto the
// process exit codes spec.md §6 defines, so every cmd/* binary reports
// failures the same way.
package exitcode

import "github.com/biostream/lsl-recorder/internal/errkind"

// Exit codes, per spec.md §6.
const (
	Success            = 0
	ConfigurationError = 1
	ResolutionFailure  = 2
	ArchiveIOFailure   = 3
	PartialFailure     = 4
)

// ForError maps err's tagged errkind.Kind onto an exit code. An untagged
// error defaults to ConfigurationError: the only errors cmd/* constructs
// directly, rather than receiving already wrapped from internal/archive,
// internal/acquire, or internal/align, are cobra's own flag-validation
// failures and this package's own argument-shape checks.
func ForError(err error) int {
	if err == nil {
		return Success
	}
	kind, ok := errkind.Of(err)
	if !ok {
		return ConfigurationError
	}
	switch kind {
	case errkind.Configuration:
		return ConfigurationError
	case errkind.Resolution:
		return ResolutionFailure
	case errkind.Coordination:
		return PartialFailure
	case errkind.Storage, errkind.Transport, errkind.Validation:
		return ArchiveIOFailure
	default:
		return ArchiveIOFailure
	}
}
