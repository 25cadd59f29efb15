package request

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

// ViewPathPrefix is the design document path every freetext query targets.
const ViewPathPrefix = "/medic/_design/medic-client/_view/"

// Param is a single query-string pair.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Params is an ordered list of query-string pairs. Order and duplicates are
// kept as they appeared in the source line.
type Params []Param

// ParseParams decodes a raw query string, with or without a leading "?".
// Malformed escapes are kept verbatim rather than rejected.
func ParseParams(raw string) Params {
	raw = strings.TrimPrefix(raw, "?")
	var params Params
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		params = append(params, Param{Key: unescape(key), Value: unescape(value)})
	}
	return params
}

// unescape decodes form encoding one escape at a time: "+" becomes a space,
// valid %XX escapes become bytes and malformed ones are kept as written.
// Invalid UTF-8 in the result is replaced byte by byte with U+FFFD.
func unescape(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			buf = append(buf, ' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			buf = append(buf, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		default:
			buf = append(buf, c)
		}
	}
	if utf8.Valid(buf) {
		return string(buf)
	}

	var sb strings.Builder
	for len(buf) > 0 {
		r, size := utf8.DecodeRune(buf)
		sb.WriteRune(r)
		buf = buf[size:]
	}
	return sb.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// Get returns the first value stored under key.
func (p Params) Get(key string) (string, bool) {
	for _, param := range p {
		if param.Key == key {
			return param.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Encode serializes the pairs in order using form encoding.
func (p Params) Encode() string {
	var sb strings.Builder
	for i, param := range p {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(param.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(param.Value))
	}
	return sb.String()
}

// ExtractedRequest is one freetext view query recovered from an access log.
type ExtractedRequest struct {
	View     string `json:"view"`
	Pathname string `json:"pathname"`
	Params   Params `json:"query_params"`
	FullPath string `json:"full_path"`
}

// NewExtractedRequest builds the request for view with the given params.
func NewExtractedRequest(view string, params Params) *ExtractedRequest {
	pathname := ViewPathPrefix + view
	return &ExtractedRequest{
		View:     view,
		Pathname: pathname,
		Params:   params,
		FullPath: pathname + "?" + params.Encode(),
	}
}

// ArchiveKey names the archive entry for this request: the view followed by
// the serialized query params.
func (r *ExtractedRequest) ArchiveKey() string {
	return r.View + "?" + r.Params.Encode()
}
