//go:build !windows

package scan

// IsHidden reports whether path names a hidden file (dot-prefixed base name).
func IsHidden(path string) bool {
	return hasDotPrefix(path)
}
