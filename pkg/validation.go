package mate

import (
	"errors"
	"fmt"
	"regexp"
)

var ErrUnknownValidator = errors.New("unknown validator kind")

// Predicate reports whether a parameter value is acceptable.
type Predicate func(value string) bool

// Validator checks one query/form parameter before a route handler runs.
// A nil Check accepts any value.
type Validator struct {
	Key      string
	Required bool
	Check    Predicate
}

func Required(key string, check Predicate) Validator {
	return Validator{Key: key, Required: true, Check: check}
}

func Optional(key string, check Predicate) Validator {
	return Validator{Key: key, Required: false, Check: check}
}

func Any() Predicate {
	return func(string) bool { return true }
}

func Match(expected string) Predicate {
	return func(value string) bool { return value == expected }
}

var numberPattern = regexp.MustCompile(`^[0-9]+$`)

func Number() Predicate {
	return numberPattern.MatchString
}

// Regex matches anywhere in the value, not against the whole of it.
func Regex(re *regexp.Regexp) Predicate {
	return re.MatchString
}

func MustRegex(pattern string) Predicate {
	return Regex(regexp.MustCompile(pattern))
}

// Validate builds a predicate from its kind name: "any", "match", "number"
// or "regex". match and regex take their argument from arg.
func Validate(kind string, arg ...string) (Predicate, error) {
	switch kind {
	case "any":
		return Any(), nil
	case "number":
		return Number(), nil
	case "match":
		if len(arg) == 0 {
			return nil, fmt.Errorf("validator %q needs a value to match", kind)
		}
		return Match(arg[0]), nil
	case "regex":
		if len(arg) == 0 {
			return nil, fmt.Errorf("validator %q needs a pattern", kind)
		}
		re, err := regexp.Compile(arg[0])
		if err != nil {
			return nil, fmt.Errorf("validator %q: %w", kind, err)
		}
		return Regex(re), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, kind)
}

// validateParams runs validators in order and stops at the first failure.
// The returned response is a 400 naming the offending key.
func validateParams(params Params, validators []Validator) (Response, bool) {
	for _, v := range validators {
		value, present := params[v.Key]
		if !present {
			if v.Required {
				return Status(400).SendString("Missing required parameter: " + v.Key), false
			}
			continue
		}
		if v.Check != nil && !v.Check(value) {
			return Status(400).SendString("Invalid value for parameter: " + v.Key), false
		}
	}
	return Response{}, true
}
