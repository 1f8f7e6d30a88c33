package approval

import (
	"path"
	"strings"
)

// Blocklist building blocks. Consumers compose them explicitly with
// ComposePatterns.

// DefaultCommandBlocklist holds commands that are never run without the
// user editing the blocklist first.
var DefaultCommandBlocklist = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf ~",
	"sudo *",
	"git push --force *",
	"git push -f *",
	"mkfs *",
	"shutdown *",
	"reboot *",
}

// DefaultPathBlocklist holds vault locations the agent may not write.
var DefaultPathBlocklist = []string{
	".git",
	".plural",
	"**/.env",
	"**/*.pem",
}

// ComposePatterns merges pattern lists into one deduplicated slice.
// Order is preserved (first occurrence wins).
func ComposePatterns(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, set := range sets {
		for _, pattern := range set {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				continue
			}
			if _, exists := seen[pattern]; !exists {
				seen[pattern] = struct{}{}
				result = append(result, pattern)
			}
		}
	}
	return result
}

// SynthesizeRule builds the "always allow" rule for req: the trimmed command
// for command requests, or the longest common segment prefix of the paths
// for file changes. It reports false when no sensible rule exists.
func SynthesizeRule(req Request) (Rule, bool) {
	switch req.Kind {
	case KindCommandExecution:
		command := strings.TrimSpace(req.Command)
		if command == "" {
			return Rule{}, false
		}
		return Rule{Kind: RuleCommand, Pattern: command}, true

	case KindFileChange:
		paths := nonEmpty(req.Paths)
		switch len(paths) {
		case 0:
			return Rule{}, false
		case 1:
			return Rule{Kind: RulePath, Pattern: strings.TrimSpace(paths[0])}, true
		}
		prefix := commonPathPrefix(paths)
		if prefix == "" {
			return Rule{}, false
		}
		return Rule{Kind: RulePath, Pattern: prefix}, true
	}
	return Rule{}, false
}

// commonPathPrefix returns the longest shared leading run of segments, or ""
// when the paths share nothing below the root.
func commonPathPrefix(paths []string) string {
	split := func(p string) []string {
		return strings.Split(path.Clean(strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")), "/")
	}

	common := split(paths[0])
	for _, p := range paths[1:] {
		segs := split(p)
		n := 0
		for n < len(common) && n < len(segs) && sameSegment(common[n], segs[n]) {
			n++
		}
		common = common[:n]
	}

	prefix := strings.Join(common, "/")
	if len(segments(prefix)) == 0 {
		return ""
	}
	return prefix
}

func sameSegment(a, b string) bool {
	if caseInsensitive {
		return strings.EqualFold(a, b)
	}
	return a == b
}
