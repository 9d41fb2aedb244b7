// Package epoch resolves the single "effective epoch" timestamp that every
// reproducibility-sensitive stage of a build stamps into its output:
// tar mtimes, gzip header mtimes, config.created, and history.created.
//
// The environment variable and parsing idiom mirror containers/buildah's
// SOURCE_DATE_EPOCH handling (internal.SourceDateEpochName, strconv.ParseInt,
// time.Unix).
package epoch

import (
	"os"
	"strconv"
	"time"
)

// EnvVar is the environment variable consulted for a reproducible build time.
const EnvVar = "SOURCE_DATE_EPOCH"

// Resolve returns SOURCE_DATE_EPOCH if set and parseable as a non-negative
// integer, or the wall-clock time otherwise. now is normally time.Now, taken
// as a parameter so callers capture it exactly once per run.
func Resolve(now time.Time) (time.Time, error) {
	raw, ok := os.LookupEnv(EnvVar)
	if !ok || raw == "" {
		return now.UTC(), nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs < 0 {
		return now.UTC(), nil
	}
	return time.Unix(secs, 0).UTC(), nil
}

// Format renders t as the ISO 8601 form OCI image configs use for
// "created" and "history[].created" fields.
func Format(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
