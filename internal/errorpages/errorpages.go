// Package errorpages implements Warden's cascading error-page
// resolver: host -> group -> global -> built-in HTML fallback.
package errorpages

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wardenproxy/warden/internal/pathsafe"
)

// Response is a rendered error page, ready to be written out.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

var reasonPhrases = map[int]string{
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Payload Too Large",
	429: "Too Many Requests",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

func reasonPhrase(code int) string {
	if p, ok := reasonPhrases[code]; ok {
		return p
	}
	return "Error"
}

// Serve resolves the error page for statusCode, trying in order
// root/host-<hostID>/<code>.html, root/group-<groupID>/<code>.html,
// root/global/<code>.html, falling back to a built-in minimal page.
// hostID and groupID are nil when not applicable. Each candidate is
// canonicalized and checked against root with internal/pathsafe,
// the same guard internal/staticcache uses, before being read.
func Serve(root string, statusCode int, hostID, groupID *int) Response {
	if canonRoot, err := pathsafe.Canonicalize(root); err == nil {
		for _, path := range candidatePaths(root, statusCode, hostID, groupID) {
			if body, ok := readGuarded(canonRoot, path); ok {
				return Response{StatusCode: statusCode, Body: body, ContentType: "text/html; charset=utf-8"}
			}
		}
	}
	return Response{
		StatusCode:  statusCode,
		Body:        []byte(builtinPage(statusCode)),
		ContentType: "text/html; charset=utf-8",
	}
}

// readGuarded reads path only if its canonical form still resolves
// under canonRoot, rejecting any candidate a symlink or traversal
// trick escapes it with.
func readGuarded(canonRoot, path string) ([]byte, bool) {
	canonPath, err := pathsafe.Canonicalize(path)
	if err != nil {
		return nil, false
	}
	if !pathsafe.WithinBase(canonRoot, canonPath) {
		return nil, false
	}
	body, err := os.ReadFile(canonPath)
	if err != nil {
		return nil, false
	}
	return body, true
}

func candidatePaths(root string, statusCode int, hostID, groupID *int) []string {
	file := fmt.Sprintf("%d.html", statusCode)
	var paths []string
	if hostID != nil {
		paths = append(paths, filepath.Join(root, fmt.Sprintf("host-%d", *hostID), file))
	}
	if groupID != nil {
		paths = append(paths, filepath.Join(root, fmt.Sprintf("group-%d", *groupID), file))
	}
	paths = append(paths, filepath.Join(root, "global", file))
	return paths
}

func builtinPage(statusCode int) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%d %s</title></head>
<body>
<h1>%d %s</h1>
</body>
</html>
`, statusCode, reasonPhrase(statusCode), statusCode, reasonPhrase(statusCode))
}
