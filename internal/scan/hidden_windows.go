//go:build windows

package scan

import "golang.org/x/sys/windows"

// IsHidden reports whether path names a hidden file: a dot-prefixed base name
// or an entry carrying FILE_ATTRIBUTE_HIDDEN. Attribute lookup errors are
// treated as "not hidden".
func IsHidden(path string) bool {
	if hasDotPrefix(path) {
		return true
	}

	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return false
	}
	return attrs&windows.FILE_ATTRIBUTE_HIDDEN != 0
}
