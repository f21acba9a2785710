package cache

import (
	"crypto/md5"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// KeyFor builds the cache key for a request: method plus absolute URL
// without its fragment.
func KeyFor(req *http.Request) string {
	return KeyForURL(req.Method, req.URL.String())
}

// KeyForURL builds the cache key for method and rawURL
func KeyForURL(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return method + " " + rawURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" && u.Host != "" {
		u.Path = "/"
	}
	return method + " " + u.String()
}

// fileNameForKey makes a key safe for use as a filename
func fileNameForKey(key string) string {
	replacements := map[string]string{
		"/":  "_",
		"\\": "_",
		":":  "_",
		"*":  "_",
		"?":  "_",
		"\"": "_",
		"<":  "_",
		">":  "_",
		"|":  "_",
		"#":  "_",
		"&":  "_",
		"=":  "_",
		" ":  "_",
		"%":  "_",
	}

	result := key
	for old, repl := range replacements {
		result = strings.ReplaceAll(result, old, repl)
	}

	// Sanitizing is lossy and long keys hit filesystem limits, so the
	// name always carries a hash of the original key.
	hash := md5.Sum([]byte(key))
	if len(result) > 120 {
		result = result[:120]
	}
	return fmt.Sprintf("%s.%x.json", result, hash[:8])
}
