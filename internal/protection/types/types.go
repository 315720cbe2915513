package types

import (
	"net"
	"net/http"
	"net/url"
)

// RequestReader is the read-only interface to the normalized current request.
// Framework adapters translate their framework's request representation into
// this interface; the rule engine has no framework-specific logic and only
// ever sees this.
type RequestReader interface {
	Method() string
	URL() *url.URL
	RequestURI() string
	Host() string
	RemoteAddr() string
	UserAgent() string
	Referer() string
	Headers() http.Header
	Header(header string) (value *string)
	ClientIP() net.IP
	QueryForm() url.Values
	// Params returns the request parameters parsed by the handler so far at
	// the moment of the call.
	Params() RequestParamMap
	// Body returns the body bytes read by the handler so far at the moment of
	// the call.
	Body() []byte
}

// ResponseFace is the read-only interface to the normalized current response.
type ResponseFace interface {
	Status() int
	ContentType() string
	ContentLength() int64
}

type (
	// RequestParamMap is the map of request param values per param name. The
	// slice of values allows to have multiple values per param name. For
	// example, the same request parameter name can be used both in the query
	// and form parameters.
	RequestParamMap map[string]RequestParamValueSlice
	// RequestParamValueSlice is the slice of request param values.
	// Note that this is a type alias to allow conversions to []interface{},
	// so that map[string]RequestParamValueSlice and map[string][]interface{}
	// are considered the same type.
	RequestParamValueSlice = []interface{}
)

func (m *RequestParamMap) Add(key string, value interface{}) {
	if *m == nil {
		*m = make(RequestParamMap)
	}
	params := (*m)[key]
	(*m)[key] = append(params, value)
}
