// Package urlcompose expands a URL pattern and its bound parameters
// into a concrete *url.URL against a selected node's base address.
package urlcompose

import (
	"fmt"
	"net/url"
	"strings"
)

// ProgrammerError marks a cardinality fault in the caller's params: an
// unresolved placeholder, or a placeholder bound to more than one
// value. These are non-recoverable: the dispatch aborts rather than
// retrying or classifying them as a server-side failure.
type ProgrammerError struct {
	Param string
	msg   string
}

func (e *ProgrammerError) Error() string {
	return fmt.Sprintf("%s: param %q", e.msg, e.Param)
}

func missingParam(name string) error {
	return &ProgrammerError{Param: name, msg: "path segment parameter had no value"}
}

func multiValuedParam(name string) error {
	return &ProgrammerError{Param: name, msg: "path segment parameter had multiple values"}
}

// Compose expands pattern against params, rooted at base, and returns
// the concrete URL. pattern must start with "/". Each "/"-delimited
// segment is either a literal, appended as a path segment, or a
// "{name}" placeholder, consuming the single value of params[name].
// Remaining, unconsumed param names become query parameters, each
// value contributing one "name=value" pair, in order.
func Compose(base *url.URL, pattern string, params url.Values) (*url.URL, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("urlcompose: pattern %q must start with \"/\"", pattern)
	}

	remaining := cloneValues(params)

	u := *base
	segments := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	pathSegments := make([]string, 0, len(segments))
	for _, seg := range segments {
		name, isPlaceholder := placeholderName(seg)
		if !isPlaceholder {
			pathSegments = append(pathSegments, seg)
			continue
		}
		values, present := remaining[name]
		if !present || len(values) == 0 {
			return nil, missingParam(name)
		}
		if len(values) > 1 {
			return nil, multiValuedParam(name)
		}
		pathSegments = append(pathSegments, values[0])
		delete(remaining, name)
	}

	u.Path = joinPath(strings.TrimSuffix(base.Path, "/"), pathSegments)

	query := u.Query()
	for k, vs := range remaining {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	u.RawQuery = query.Encode()

	return &u, nil
}

func placeholderName(segment string) (string, bool) {
	if len(segment) >= 2 && strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
		return segment[1 : len(segment)-1], true
	}
	return "", false
}

func joinPath(prefix string, segments []string) string {
	if len(segments) == 1 && segments[0] == "" {
		if prefix == "" {
			return "/"
		}
		return prefix + "/"
	}
	var b strings.Builder
	b.WriteString(prefix)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(s)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// cloneValues makes an independent copy of params so Compose never
// mutates the caller's map.
func cloneValues(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for k, vs := range params {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

