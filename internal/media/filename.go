package media

import (
	"regexp"
	"strings"
)

const (
	MaxURLLength      = 500
	maxFilenameLength = 200
	fallbackFilename  = "download"
)

var sourceURLPattern = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com|youtu\.be)/`)

func ValidateURL(url string) bool {
	return sourceURLPattern.MatchString(url)
}

// SanitizeFilename strips characters that are invalid in file names on common
// filesystems, trims surrounding spaces and dots and caps the length.
func SanitizeFilename(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return -1
		}
		return r
	}, name)
	sanitized = strings.Trim(sanitized, " \t\r\n.")

	if runes := []rune(sanitized); len(runes) > maxFilenameLength {
		sanitized = string(runes[:maxFilenameLength])
	}
	if sanitized == "" {
		return fallbackFilename
	}
	return sanitized
}
