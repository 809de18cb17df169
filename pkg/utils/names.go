package utils

import "strings"

// SafeName reduces a stage, step or artifact name to characters that are safe
// in a file name. Runs of other characters collapse into a single '-'.
func SafeName(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '.' {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	clean := strings.Trim(b.String(), "-.")
	if clean == "" {
		return "step"
	}
	return clean
}
