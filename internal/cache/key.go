package cache

import (
	"net/url"
	"sort"
	"strings"
)

const keyNamespace = "tally:v1:"

// Key builds the cache key for one user, metric and parameter set.
// Parameters are sorted so equal queries map to the same key.
func Key(userID, metric string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(MetricPrefix(userID, metric))
	if len(params) == 0 {
		b.WriteByte('-')
		return b.String()
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// UserPrefix matches every key belonging to userID.
func UserPrefix(userID string) string {
	return keyNamespace + url.QueryEscape(userID) + ":"
}

// MetricPrefix matches every key for one metric of userID.
func MetricPrefix(userID, metric string) string {
	return UserPrefix(userID) + url.QueryEscape(metric) + ":"
}

// ParsedKey is the decoded form of a key produced by Key.
type ParsedKey struct {
	UserID string
	Metric string
	Params map[string]string
}

// ParseKey decodes key. ok is false for keys not produced by Key.
func ParseKey(key string) (ParsedKey, bool) {
	rest, found := strings.CutPrefix(key, keyNamespace)
	if !found {
		return ParsedKey{}, false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return ParsedKey{}, false
	}
	user, err := url.QueryUnescape(parts[0])
	if err != nil {
		return ParsedKey{}, false
	}
	metric, err := url.QueryUnescape(parts[1])
	if err != nil {
		return ParsedKey{}, false
	}
	pk := ParsedKey{UserID: user, Metric: metric, Params: map[string]string{}}
	if parts[2] == "-" || parts[2] == "" {
		return pk, true
	}
	for _, kv := range strings.Split(parts[2], ",") {
		k, v, _ := strings.Cut(kv, "=")
		dk, err1 := url.QueryUnescape(k)
		dv, err2 := url.QueryUnescape(v)
		if err1 != nil || err2 != nil {
			return ParsedKey{}, false
		}
		pk.Params[dk] = dv
	}
	return pk, true
}

// userScope returns the user portion of a key or prefix, or "" when the
// string spans users.
func userScope(keyOrPrefix string) string {
	rest, found := strings.CutPrefix(keyOrPrefix, keyNamespace)
	if !found {
		return ""
	}
	user, _, found := strings.Cut(rest, ":")
	if !found {
		return ""
	}
	return user
}
