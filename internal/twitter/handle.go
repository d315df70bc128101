package twitter

import "strings"

// ExtractHandle normalizes a handle or profile URL to a bare username:
// trailing slashes are dropped, the last path segment wins and a leading
// "@" is stripped.
func ExtractHandle(handleOrURL string) string {
	s := strings.TrimSpace(handleOrURL)
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimPrefix(s, "@")
}

// AppendHandle builds the canonical profile URL for a username.
func AppendHandle(handle string) string {
	return "https://twitter.com/" + handle
}
