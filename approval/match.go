package approval

import (
	"path"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/zhubert/plural-appserver/logger"
)

// caseInsensitive mirrors the default file system behaviour of the host.
var caseInsensitive = runtime.GOOS == "darwin" || runtime.GOOS == "windows"

// MatchCommandPattern reports whether command satisfies pattern.
//
//	"git status"  exact match only
//	"npm run*"    any command starting with "npm run"
//	"git *"       "git" itself or "git" followed by a space, never "github"
func MatchCommandPattern(pattern, command string) bool {
	pattern = strings.TrimSpace(pattern)
	command = strings.TrimSpace(command)
	if pattern == "" {
		return false
	}

	if base, ok := strings.CutSuffix(pattern, " *"); ok {
		base = strings.TrimRight(base, " ")
		return command == base || strings.HasPrefix(command, base+" ")
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(command, prefix)
	}
	return command == pattern
}

// MatchPathPattern reports whether pattern is a segment prefix of target.
// Absolute patterns compare against the absolute target; relative patterns
// compare against the target relative to vaultRoot and never match a target
// outside it. "src" matches "src/a.go" but not "src2/a.go".
func MatchPathPattern(pattern, target, vaultRoot string) bool {
	pat := normalize(pattern)
	if pat == "" {
		return false
	}
	abs, rel, inside := resolveTarget(target, vaultRoot)

	if isAbs(pat) {
		return segmentPrefix(pat, abs)
	}
	if !inside || rel == "" {
		return false
	}
	return segmentPrefix(pat, rel)
}

// IsOutsideVault reports whether p resolves outside vaultRoot. Relative
// paths are resolved against the vault. Without a vault root only relative
// paths that climb out with ".." count as outside.
func IsOutsideVault(p, vaultRoot string) bool {
	_, _, inside := resolveTarget(p, vaultRoot)
	return !inside
}

// isPathBlocked checks target against blocklist entries. Entries with glob
// metacharacters are matched with doublestar against both the vault-relative
// and absolute target, and also cover everything below a matched directory.
// Plain entries use segment-prefix matching.
func isPathBlocked(blocklist []string, target, vaultRoot string) bool {
	abs, rel, inside := resolveTarget(target, vaultRoot)
	for _, entry := range blocklist {
		if !hasGlobMeta(entry) {
			if MatchPathPattern(entry, target, vaultRoot) {
				return true
			}
			continue
		}

		pattern := normalize(entry)
		candidates := []string{abs}
		if inside && rel != "" && rel != "." {
			candidates = append(candidates, rel)
		}
		for _, candidate := range candidates {
			if globMatch(pattern, candidate) || globMatch(pattern+"/**", candidate) {
				return true
			}
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		logger.WithComponent("approval").Warn("invalid path blocklist glob", "pattern", pattern, "error", err)
		return false
	}
	return ok
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// normalize unifies separators, cleans the path (which strips trailing
// separators), and folds case on case-insensitive platforms.
func normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = path.Clean(strings.ReplaceAll(p, `\`, "/"))
	if caseInsensitive {
		p = strings.ToLower(p)
	}
	return p
}

// isAbs accepts both "/x" and drive-letter "C:/x" forms.
func isAbs(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && p[2] == '/' &&
		(p[0] >= 'a' && p[0] <= 'z' || p[0] >= 'A' && p[0] <= 'Z')
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, "../")
}

// resolveTarget returns the normalized absolute target, the target relative
// to the vault root, and whether the target lies inside the vault.
func resolveTarget(target, vaultRoot string) (abs, rel string, inside bool) {
	t := normalize(target)
	v := normalize(vaultRoot)
	if t == "" {
		return "", "", false
	}

	if v == "" {
		if isAbs(t) {
			return t, "", true
		}
		return t, t, !escapes(t)
	}

	abs = t
	if !isAbs(t) {
		abs = path.Join(v, t)
	}
	switch {
	case abs == v:
		return abs, ".", true
	case v == "/":
		return abs, strings.TrimPrefix(abs, "/"), true
	case strings.HasPrefix(abs, v+"/"):
		return abs, abs[len(v)+1:], true
	default:
		return abs, "", false
	}
}

// segmentPrefix reports whether every segment of pattern equals the
// corresponding segment of target. A pattern without segments matches
// nothing.
func segmentPrefix(pattern, target string) bool {
	ps := segments(pattern)
	ts := segments(target)
	if len(ps) == 0 || len(ps) > len(ts) {
		return false
	}
	if isAbs(pattern) != isAbs(target) {
		return false
	}
	for i := range ps {
		if ps[i] != ts[i] {
			return false
		}
	}
	return true
}

func segments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" && s != "." {
			out = append(out, s)
		}
	}
	return out
}
