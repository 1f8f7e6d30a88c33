package config

import "os"

// SamePath returns true if a and b refer to the same filesystem entry.
// It handles case-insensitive filesystems (e.g. macOS APFS) and symlinks
// by comparing device+inode via os.SameFile. Paths that cannot be stat'd
// only match by exact string.
func SamePath(a, b string) bool {
	if a == b {
		return true
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(infoA, infoB)
}
