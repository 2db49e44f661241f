package shareindex

import (
	"fmt"
	"path/filepath"
	"strings"
)

// assignMasks gives each configured root a stable token: the root's last
// path segment, disambiguated with a numeric suffix on collision. Roots on
// every host share one counter per base name, so an agent's "music" root
// never collides with the local process's "music" root.
func assignMasks(roots []RootConfig) map[Mask]RootConfig {
	out := make(map[Mask]RootConfig, len(roots))
	seen := map[string]int{}

	for _, root := range roots {
		base := filepath.Base(filepath.Clean(root.Root))
		if base == "." || base == string(filepath.Separator) || base == "" {
			base = "share"
		}
		n := seen[base]
		seen[base] = n + 1

		mask := base
		if n > 0 {
			mask = fmt.Sprintf("%s_%d", base, n+1)
		}
		out[Mask(mask)] = root
	}
	return out
}

// maskedPath builds the wire-format masked path for a file at relPath
// (OS-separated) under mask, normalizing to backslashes per §3.
func maskedPath(mask Mask, relPath string) string {
	slashed := filepath.ToSlash(relPath)
	backslashed := strings.ReplaceAll(slashed, "/", "\\")
	return string(mask) + "\\" + backslashed
}

// splitMaskedPath recovers the mask and the OS-relative path from a masked
// path string.
func splitMaskedPath(masked string) (mask Mask, relOSPath string, ok bool) {
	idx := strings.IndexByte(masked, '\\')
	if idx < 0 {
		return "", "", false
	}
	mask = Mask(masked[:idx])
	rel := strings.ReplaceAll(masked[idx+1:], "\\", "/")
	return mask, filepath.FromSlash(rel), true
}

// maskedDirectory returns the masked name of the directory containing a
// masked file path (mask + leading path segments, or just the mask for a
// file directly under the root).
func maskedDirectory(masked string) string {
	idx := strings.LastIndexByte(masked, '\\')
	if idx < 0 {
		return masked
	}
	return masked[:idx]
}
