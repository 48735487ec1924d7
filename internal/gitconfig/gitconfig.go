// Package gitconfig reads the `gc.prunePackExpire` setting out of a bare
// repository's `config` file and resolves it to a cutoff instant (spec §6,
// §4.3).
//
// The file itself is decoded with go-git's plumbing/format/config package
// — the same git-config-file decoder the Git-implementation dependency
// ships for its own use, so no second config parser is introduced into the
// dependency graph. The grammar of the *value* (`now`, `<N>.seconds.ago`,
// ...) has no counterpart anywhere in the example corpus; it is Git's own
// relative-date mini-language, not a general config format, so it is
// parsed by hand against time.Duration arithmetic (see DESIGN.md).
package gitconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	gitconfigformat "github.com/go-git/go-git/v5/plumbing/format/config"
)

// ErrUnparseable is returned by ParseExpiry when the configured value does
// not match the recognized git time-expression grammar. Callers should
// fall back to DefaultExpiry rather than propagate this as a fatal error.
var ErrUnparseable = errors.New("gitconfig: unparseable time expression")

// DefaultExpiry is used when gc.prunePackExpire is absent or unparseable
// (spec §4.3, §6): "1 hour ago".
const DefaultExpiry = time.Hour

const (
	section = "gc"
	key     = "prunePackExpire"
)

// PrunePackExpire reads gc.prunePackExpire from the repository config file
// at configPath and resolves it to a cutoff instant relative to now. A
// missing config file, a missing key, or an unparseable value all yield
// the DefaultExpiry cutoff. A missing file or key returns a nil error; an
// unreadable file or an unparseable value returns the fallback cutoff
// together with a non-nil error describing why.
func PrunePackExpire(configPath string, now time.Time) (time.Time, error) {
	raw, err := readOption(configPath)
	if err != nil {
		return now.Add(-DefaultExpiry), fmt.Errorf("read %s: %w", configPath, err)
	}
	if raw == "" {
		return now.Add(-DefaultExpiry), nil
	}

	d, err := ParseExpiry(raw)
	if err != nil {
		return now.Add(-DefaultExpiry), fmt.Errorf("%s=%q: %w", key, raw, err)
	}
	return now.Add(-d), nil
}

// BitmapExcludedRefPrefixes reads the repo-local, multi-valued
// pack.bitmapExcludedRefsPrefixes config key: the one piece of JGit's
// preparePack parameter set (spec §4.2 step 2's refsToExcludeFromBitmap)
// that real `git pack-objects` itself honors, by consulting this key
// internally on every invocation rather than accepting it as a flag. A
// missing file or missing key yields an empty, non-error result.
func BitmapExcludedRefPrefixes(configPath string) ([]string, error) {
	f, err := os.Open(configPath) //nolint:gosec
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", configPath, err)
	}
	defer f.Close() //nolint:errcheck

	cfg := gitconfigformat.New()
	if err := gitconfigformat.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", configPath, err)
	}
	return cfg.GetAllOptions("pack", gitconfigformat.NoSubsection, "bitmapExcludedRefsPrefixes"), nil
}

func readOption(configPath string) (string, error) {
	f, err := os.Open(configPath) //nolint:gosec
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	cfg := gitconfigformat.New()
	if err := gitconfigformat.NewDecoder(f).Decode(cfg); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return cfg.GetOption(section, gitconfigformat.NoSubsection, key), nil
}

// ParseExpiry parses a git relative time expression into the duration it
// represents in the past. Recognized forms: "now" (zero duration), and
// "<N>.<unit>.ago" where unit is one of seconds, minutes, hours, days,
// weeks (singular forms are also accepted, e.g. "1.day.ago").
func ParseExpiry(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("%w: empty expression", ErrUnparseable)
	}
	if expr == "now" {
		return 0, nil
	}

	parts := strings.Split(expr, ".")
	if len(parts) != 3 || parts[2] != "ago" {
		return 0, fmt.Errorf("%w: %q", ErrUnparseable, expr)
	}

	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnparseable, expr)
	}

	unit, err := unitDuration(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseable, expr)
	}
	return time.Duration(n) * unit, nil
}

func unitDuration(unit string) (time.Duration, error) {
	switch strings.TrimSuffix(unit, "s") {
	case "second":
		return time.Second, nil
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown unit %q", ErrUnparseable, unit)
	}
}
