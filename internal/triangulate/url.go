package triangulate

import (
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL produces the dedup key for a source URL: lowercase host
// with "www." stripped, trailing-slash-normalized path, and query
// parameters in sorted order. The scheme is dropped so http and https
// citations of the same page collapse.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		// Not parseable as an absolute URL; fall back to a trimmed
		// lowercase form so dedup still catches exact repeats.
		return strings.ToLower(strings.TrimRight(strings.TrimSpace(raw), "/"))
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")

	path := u.EscapedPath()
	if path != "/" {
		path = strings.TrimRight(path, "/")
	} else {
		path = ""
	}

	key := host + path

	if u.RawQuery != "" {
		params := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var parts []string
		for _, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for _, v := range vals {
				parts = append(parts, k+"="+v)
			}
		}
		key += "?" + strings.Join(parts, "&")
	}

	return key
}

// hostOf returns the lowercase host of a URL, or "" if unparseable.
func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
