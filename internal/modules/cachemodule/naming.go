package cachemodule

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
)

const defaultExtension = "bin"

var (
	extensionPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,8}$`)
	safeNamePattern  = regexp.MustCompile(`^[0-9]+\.[A-Za-z0-9]{1,8}$`)
)

// URLHash is the 32-bit rolling hash h = h*31 + c over the UTF-16 code
// units of the URL. Stored files are named by it, so it must never change.
func URLHash(rawURL string) uint32 {
	var h uint32
	for _, unit := range utf16.Encode([]rune(rawURL)) {
		h = h*31 + uint32(unit)
	}
	return h
}

// SafeName derives the local file name of a URL: "<hash>.<ext>", with the
// extension of the URL's last path segment when it is short and
// alphanumeric, else "bin".
func SafeName(rawURL string) string {
	return strconv.FormatUint(uint64(URLHash(rawURL)), 10) + "." + urlExtension(rawURL)
}

func urlExtension(rawURL string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if i := strings.LastIndex(u, "/"); i >= 0 {
		u = u[i+1:]
	}
	dot := strings.LastIndex(u, ".")
	if dot < 0 {
		return defaultExtension
	}
	ext := u[dot+1:]
	if !extensionPattern.MatchString(ext) {
		return defaultExtension
	}
	return ext
}

// IsSafeName reports whether name could have been produced by SafeName.
func IsSafeName(name string) bool {
	return safeNamePattern.MatchString(name)
}
