package mate

import (
	"errors"
	"fmt"
	"regexp"
)

var ErrInvalidPattern = errors.New("invalid route pattern")

// pathParam finds ":name" segments once the path has been quoted.
var pathParam = regexp.MustCompile(`(^|/):([A-Za-z_]\w*)`)

// PathToRegexp turns a literal path with ":name" segments into a route
// pattern. Each ":name" matches one path segment and lands in
// Request.PathParams; everything else is matched literally:
//
//	router.Get(mate.PathToRegexp("/users/:id"), handler)
func PathToRegexp(path string) string {
	return pathParam.ReplaceAllString(regexp.QuoteMeta(path), `$1(?P<$2>[^/]+)`)
}

// compileRoute anchors pattern so it only matches a whole path and returns an
// extractor for its named groups.
func compileRoute(pattern string) (*regexp.Regexp, func(match []string) Params, error) {
	r, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}

	names := r.SubexpNames()
	named := false
	for _, name := range names {
		if name != "" {
			named = true
			break
		}
	}

	extract := func(match []string) Params {
		if !named {
			return nil
		}
		results := make(Params)
		for i, name := range names {
			if i != 0 && name != "" && i < len(match) {
				results[name] = match[i]
			}
		}
		return results
	}

	return r, extract, nil
}
