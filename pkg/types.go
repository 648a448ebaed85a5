package mate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

type Method int

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodPut
	MethodPatch
	MethodDelete
	MethodOptions
)

var methodNames = [...]string{
	MethodUnknown: "UNKNOWN",
	MethodGet:     "GET",
	MethodPost:    "POST",
	MethodPut:     "PUT",
	MethodPatch:   "PATCH",
	MethodDelete:  "DELETE",
	MethodOptions: "OPTIONS",
}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return methodNames[MethodUnknown]
	}
	return methodNames[m]
}

// ParseMethod maps an HTTP method token to a Method, case-sensitively as the
// RFC requires. Anything unsupported is MethodUnknown.
func ParseMethod(method string) Method {
	switch method {
	case "GET":
		return MethodGet
	case "POST":
		return MethodPost
	case "PUT":
		return MethodPut
	case "PATCH":
		return MethodPatch
	case "DELETE":
		return MethodDelete
	case "OPTIONS":
		return MethodOptions
	}
	return MethodUnknown
}

// Params holds query or form parameters. Duplicate keys keep the last value.
type Params map[string]string

// Request is built once per connection by the transport adapter. Only
// before-request middleware is expected to mutate it.
type Request struct {
	ID          string
	RemoteAddr  string
	Method      Method
	Path        string
	HTTPVersion string
	Headers     Headers
	Params      Params
	// Matches holds the route capture groups, Matches[0] is the whole match.
	Matches []string
	// PathParams holds named capture groups such as (?P<id>[0-9]+).
	PathParams Params
	Body       string
	Start      time.Time
	End        time.Time
}

func (r *Request) Param(key string) (string, bool) {
	value, ok := r.Params[key]
	return value, ok
}

// Match returns capture group i, or "" when the route has no such group.
func (r *Request) Match(i int) string {
	if i < 0 || i >= len(r.Matches) {
		return ""
	}
	return r.Matches[i]
}

// ParseBody decodes a JSON body into out, which must be a pointer.
func (r *Request) ParseBody(out any) error {
	if reflect.ValueOf(out).Kind() != reflect.Ptr {
		return fmt.Errorf("ParseBody requires a pointer, got %v", reflect.TypeOf(out))
	}

	return json.Unmarshal([]byte(r.Body), out)
}

func (r *Request) BasicAuthorization() BasicAuthorization {
	return GetBasicAuthorization(r.Headers)
}

// Response is the logical result of a handler. A zero Status means "use the
// method default" (201 for POST, 200 otherwise).
type Response struct {
	Status      int
	Headers     Headers
	ContentType string
	Content     string
	// File is served from disk when set; Content is ignored unless the
	// renderer fills it from a content cache.
	File string
	// Redirect is the Location target for 3xx responses.
	Redirect string
	// Listing renders an HTML index when File is a directory without an
	// index file.
	Listing bool
}

type Handler = func(req *Request) (Response, error)

func String(content string) Response {
	return Response{ContentType: "text/plain", Content: content}
}

func HTML(content string) Response {
	return Response{ContentType: "text/html", Content: content}
}

func JSON(data any) (Response, error) {
	return Response{}.JSON(data)
}

func Status(code int) Response {
	return Response{Status: code}
}

func File(path string) Response {
	return Response{File: path}
}

// RedirectTo builds a redirect. Codes outside 3xx fall back to 301.
func RedirectTo(code int, uri string) Response {
	if code < 300 || code >= 400 {
		code = 301
	}
	resp := Response{Status: code, Redirect: uri}
	resp.Headers.Set("Location", uri)
	return resp
}

func (r Response) WithStatus(code int) Response {
	r.Status = code
	return r
}

func (r Response) SendString(content string) Response {
	r.ContentType = "text/plain"
	r.Content = content
	return r
}

func (r Response) HTML(content string) Response {
	r.ContentType = "text/html"
	r.Content = content
	return r
}

func (r Response) JSON(data any) (Response, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return r, err
	}
	r.ContentType = "application/json"
	r.Content = string(b)
	return r, nil
}

func (r Response) WithHeader(key, value string) Response {
	r.Headers = r.Headers.Clone()
	r.Headers.Set(key, value)
	return r
}

func (r Response) WithContentType(contentType string) Response {
	r.ContentType = contentType
	return r
}

// Unauthorized asks the client for Basic credentials.
func Unauthorized(realm string) Response {
	resp := Response{Status: 401}
	resp.Headers.Set("WWW-Authenticate", `Basic realm="`+strings.ReplaceAll(realm, `"`, `\"`)+`"`)
	return resp
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400
}

func isError(code int) bool {
	return code >= 400
}

func defaultSuccessCode(method Method) int {
	if method == MethodPost {
		return 201
	}
	return 200
}
