package pool

import "strings"

const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"

	httpPrefix  = SchemeHTTP + schemeEnd
	httpsPrefix = SchemeHTTPS + schemeEnd

	schemeEnd         = "://"
	portDelimiter     = ':'
	resourceDelimiter = '/'
	queryDelimiter    = '?'

	httpPort  = "80"
	httpsPort = "443"
)

// ParseURL splits an absolute http(s) URL into its scheme, host (with the
// port if the URL carries one) and resource (the path including any query).
// No decoding or host validation is performed. ok is false when the scheme
// is not http/https, the authority is empty, or the path is missing.
func ParseURL(rawurl string) (scheme, host, resource string, ok bool) {
	pos := strings.Index(rawurl, schemeEnd)
	if pos < 0 {
		return "", "", "", false
	}

	scheme = rawurl[:pos]
	if scheme != SchemeHTTP && scheme != SchemeHTTPS {
		return "", "", "", false
	}

	rest := rawurl[pos+len(schemeEnd):]
	if rest == "" {
		return "", "", "", false
	}

	slash := strings.IndexByte(rest, resourceDelimiter)
	if slash <= 0 {
		return "", "", "", false
	}

	return scheme, rest[:slash], rest[slash:], true
}

// NormalizeHostPort appends the scheme's default port when host carries none.
func NormalizeHostPort(scheme, host string) string {
	if strings.IndexByte(host, portDelimiter) >= 0 {
		return host
	}
	if scheme == SchemeHTTPS {
		return host + string(portDelimiter) + httpsPort
	}
	return host + string(portDelimiter) + httpPort
}

// FormatURL is the inverse of ParseURL.
func FormatURL(scheme, host, resource string) string {
	return scheme + schemeEnd + host + resource
}

// IsAbsoluteURL reports whether ref carries its own scheme and authority.
func IsAbsoluteURL(ref string) bool {
	return strings.HasPrefix(ref, httpPrefix) || strings.HasPrefix(ref, httpsPrefix)
}

// ResourcePrefixLen returns the length of resource up to and including the
// last '/' before any query string. A resource from ParseURL always begins
// with '/', so the result is at least 1.
func ResourcePrefixLen(resource string) int {
	end := len(resource)
	if q := strings.IndexByte(resource, queryDelimiter); q >= 0 {
		end = q
	}
	return strings.LastIndexByte(resource[:end], resourceDelimiter) + 1
}

// Resolve resolves ref against the base URL (scheme, host, resource,
// prefixLen), where prefixLen is ResourcePrefixLen(resource). Absolute
// references are re-parsed, root-relative references replace the base
// resource, and anything else is appended to the base resource prefix.
func Resolve(ref, scheme, host, resource string, prefixLen int) (rscheme, rhost, rresource string, ok bool) {
	if IsAbsoluteURL(ref) {
		return ParseURL(ref)
	}
	if strings.HasPrefix(ref, string(resourceDelimiter)) {
		return scheme, host, ref, true
	}
	return scheme, host, resource[:prefixLen] + ref, true
}
