package mutator

import (
	"net/url"
	"strings"

	"interceptproxy/internal/filter"
)

// removeAdScripts implements §4.E step 2's two-pass scanner: walk each
// <script ...>...</script> block, and drop it if it is either an inline
// adsbygoogle block or an external script whose src host is blacklisted.
//
// Go's regexp package is RE2-based and has no lookahead, so this cannot be
// expressed as a single pattern (per §9's design note); instead each script
// tag is located, its attributes and body are examined directly, and the
// decision to keep or drop is made per block before continuing the scan.
func removeAdScripts(html string, f *filter.Filter) string {
	var out strings.Builder
	lower := strings.ToLower(html)
	pos := 0

	for {
		start := indexFrom(lower, "<script", pos)
		if start == -1 {
			out.WriteString(html[pos:])
			break
		}
		openEnd := strings.IndexByte(html[start:], '>')
		if openEnd == -1 {
			// Unterminated opening tag; nothing more to scan safely.
			out.WriteString(html[pos:])
			break
		}
		openEnd += start + 1 // index just past '>'

		closeStart := indexFrom(lower, "</script>", openEnd)
		if closeStart == -1 {
			// No matching close tag; leave the rest untouched.
			out.WriteString(html[pos:])
			break
		}
		closeEnd := closeStart + len("</script>")

		openTag := html[start:openEnd]
		scriptBody := html[openEnd:closeStart]

		if shouldRemoveScript(openTag, scriptBody, f) {
			out.WriteString(html[pos:start])
		} else {
			out.WriteString(html[pos:closeEnd])
		}
		pos = closeEnd
	}

	return out.String()
}

func shouldRemoveScript(openTag, body string, f *filter.Filter) bool {
	src, hasSrc := extractSrc(openTag)
	if !hasSrc {
		return strings.Contains(body, "window.adsbygoogle")
	}
	host := hostFromSrc(src)
	if host == "" || f == nil {
		return false
	}
	return f.Blacklisted(host)
}

// extractSrc returns the value of the src attribute within an opening
// <script ...> tag, if present.
func extractSrc(openTag string) (string, bool) {
	lower := strings.ToLower(openTag)
	i := strings.Index(lower, "src=")
	if i == -1 {
		return "", false
	}
	rest := openTag[i+len("src="):]
	if rest == "" {
		return "", false
	}
	quote := rest[0]
	if quote == '"' || quote == '\'' {
		end := strings.IndexByte(rest[1:], quote)
		if end == -1 {
			return "", false
		}
		return rest[1 : 1+end], true
	}
	// Unquoted attribute value: runs until whitespace or '>'.
	end := strings.IndexAny(rest, " \t\n>")
	if end == -1 {
		return rest, true
	}
	return rest[:end], true
}

// hostFromSrc extracts the host from a script src of the form
// "(https?:)?//host/path" or an absolute URL.
func hostFromSrc(src string) string {
	normalized := src
	if strings.HasPrefix(normalized, "//") {
		normalized = "https:" + normalized
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func indexFrom(haystack, needle string, from int) int {
	if from >= len(haystack) {
		return -1
	}
	i := strings.Index(haystack[from:], needle)
	if i == -1 {
		return -1
	}
	return i + from
}
