package mate

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var basicAuthPattern = regexp.MustCompile(`^Basic ([a-zA-Z0-9+/=]+)$`)

// BasicAuthorization is the decoded form of an "Authorization: Basic" header.
type BasicAuthorization struct {
	Present  bool
	Username string
	Password string
}

// GetBasicAuthorization never fails: a missing header, another scheme, bad
// base64 or a credential without ':' all come back with Present unset.
func GetBasicAuthorization(headers Headers) BasicAuthorization {
	match := basicAuthPattern.FindStringSubmatch(headers.Get("Authorization"))
	if match == nil {
		return BasicAuthorization{}
	}

	decoded, err := base64.StdEncoding.DecodeString(match[1])
	if err != nil {
		return BasicAuthorization{}
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return BasicAuthorization{}
	}
	return BasicAuthorization{Present: true, Username: username, Password: password}
}
