package adapter

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/raspkit/go-agent/internal/condition"
	"github.com/raspkit/go-agent/internal/protection/types"
	"github.com/raspkit/go-agent/internal/rule"
	"github.com/raspkit/go-agent/internal/rule/callback"
)

// LambdaAdapter normalizes AWS Lambda proxy integration events, both the v1
// and v2 payload formats. The raw event is the first argument of the
// intercepted handler invocation, decoded as a generic JSON object.
type LambdaAdapter struct {
	storage     callback.StorageProvider
	flusher     Flusher
	unsupported unsupportedEventSet
}

// Flusher is the delivery-side collaborator flushed at the end of every
// Lambda invocation, before the runtime freezes the process.
type Flusher interface {
	Flush()
}

// NewLambdaAdapter returns the AWS Lambda framework adapter. `flusher` may be
// nil when no delivery runs in-process.
func NewLambdaAdapter(storage callback.StorageProvider, flusher Flusher) *LambdaAdapter {
	return &LambdaAdapter{storage: storage, flusher: flusher}
}

func (a *LambdaAdapter) Name() string { return "aws-lambda" }

// Hookpoint of the Lambda handler invocation.
var lambdaHookpoint = callback.Hookpoint{
	Target:   "aws_lambda",
	Method:   "HandleEventRequest",
	Strategy: rule.NativeStrategy,
}

// Metric names pushed by the adapter's built-in rules.
const HTTPCodeMetricName = "http_code"

// Descriptors returns the built-in rules attaching the Lambda runtime to the
// rule engine. The unsupported-event deduplication cache restarts empty on
// every reconfiguration.
func (a *LambdaAdapter) Descriptors() []rule.Descriptor {
	a.unsupported.reset()

	responseSet := condition.Func(func(b condition.Bindings) condition.Result {
		if b.Response == nil {
			return condition.False
		}
		if r, ok := b.Response.(types.ResponseFace); !ok || r == nil {
			return condition.False
		}
		return condition.True
	})

	requestSet := condition.Func(func(b condition.Bindings) condition.Result {
		if b.Request == nil {
			return condition.False
		}
		if r, ok := b.Request.(types.RequestReader); !ok || r == nil {
			return condition.False
		}
		return condition.True
	})

	descriptors := []rule.Descriptor{
		{
			Name:      "ecosystem_aws_lambda_request_context",
			Hookpoint: lambdaHookpoint,
			Priority:  20,
			Callbacks: callback.PhaseHandlers{Pre: a.recordRequestContext},
		},
		{
			Name:      "ecosystem_aws_lambda_provide_data",
			Hookpoint: lambdaHookpoint,
			Priority:  80,
			Callbacks: callback.PhaseHandlers{
				Pre:  a.provideRequestData,
				Post: a.provideResponseData,
			},
			Conditions: callback.PhaseConditions{
				Pre:  requestSet,
				Post: responseSet,
			},
		},
		{
			Name:      "ecosystem_aws_lambda_http_code",
			Hookpoint: lambdaHookpoint,
			Priority:  60,
			Metrics: []rule.MetricDescriptor{
				{Name: HTTPCodeMetricName, Period: time.Minute},
			},
			Callbacks: callback.PhaseHandlers{
				Post:    a.countHTTPCode,
				Failing: a.countHTTPCode,
			},
			Conditions: callback.PhaseConditions{
				Post:    responseSet,
				Failing: responseSet,
			},
		},
		{
			// Lowest post priority: the response must be recorded before the
			// rules consuming it run.
			Name:      "ecosystem_aws_lambda_record_response",
			Hookpoint: lambdaHookpoint,
			Priority:  30,
			Critical:  true,
			Callbacks: callback.PhaseHandlers{
				Post:    a.recordResponse,
				Failing: a.recordResponse,
			},
		},
		{
			Name:      "ecosystem_aws_lambda_error_page",
			Hookpoint: lambdaHookpoint,
			Priority:  100,
			Block:     true,
			Callbacks: callback.PhaseHandlers{Failing: a.errorPage},
		},
	}

	if a.flusher != nil {
		descriptors = append(descriptors, rule.Descriptor{
			// Highest priority: the delivery flush happens after every other
			// rule recorded its events.
			Name:      "ecosystem_aws_lambda_execute_runner",
			Hookpoint: lambdaHookpoint,
			Priority:  110,
			Critical:  true,
			Callbacks: callback.PhaseHandlers{
				Post:    a.executeRunner,
				Failing: a.executeRunner,
			},
		})
	}
	return descriptors
}

// recordRequestContext normalizes the incoming event into a request reader
// and stores it into the current protection context. Unknown event shapes
// are reported once per shape.
func (a *LambdaAdapter) recordRequestContext(call *callback.Call) (callback.Action, error) {
	if len(call.Args) == 0 {
		return nil, nil
	}
	event, ok := call.Args[0].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	binder := currentBinder(a.storage)
	if binder == nil {
		return nil, nil
	}

	version, _ := event["version"].(string)
	switch {
	case version == "2.0":
		binder.SetRequest(&proxyV2Request{event: event})
	case version == "1.0":
		fallthrough
	default:
		if _, exists := event["httpMethod"]; exists || version == "1.0" {
			binder.SetRequest(&proxyV1Request{event: event})
			break
		}
		// Very basic filter to limit recording too many exceptions.
		if a.unsupported.firstSeen(event) {
			return nil, UnsupportedEventError{Event: event}
		}
	}
	return nil, nil
}

// Reactive data addresses published by the provide-data rule.
const (
	ClientIPAddress       = "server.request.client_ip"
	MethodAddress         = "server.request.method"
	RawURIAddress         = "server.request.uri.raw"
	HeadersAddress        = "server.request.headers.no_cookies"
	QueryAddress          = "server.request.query"
	RawBodyAddress        = "server.request.body.raw"
	PathParamsAddress     = "server.request.path_params"
	ResponseStatusAddress = "server.response.status"
)

// provideRequestData publishes the normalized request values into the
// request store, where the reactive rules subscribed to these addresses read
// them.
func (a *LambdaAdapter) provideRequestData(call *callback.Call) (callback.Action, error) {
	p := a.storage.Current()
	if p == nil {
		return nil, nil
	}
	request := p.Request()
	if request == nil {
		return nil, nil
	}
	store := p.RequestStore()
	store[ClientIPAddress] = request.ClientIP()
	store[MethodAddress] = request.Method()
	store[RawURIAddress] = request.RequestURI()
	store[HeadersAddress] = request.Headers()
	store[QueryAddress] = request.QueryForm()
	store[RawBodyAddress] = request.Body()
	store[PathParamsAddress] = request.Params()
	return nil, nil
}

// provideResponseData publishes the normalized response status.
func (a *LambdaAdapter) provideResponseData(call *callback.Call) (callback.Action, error) {
	p := a.storage.Current()
	if p == nil {
		return nil, nil
	}
	response := p.Response()
	if response == nil {
		return nil, nil
	}
	p.RequestStore()[ResponseStatusAddress] = response.Status()
	return nil, nil
}

// executeRunner flushes the delivery collaborator at the end of the
// invocation, while the Lambda process is still thawed.
func (a *LambdaAdapter) executeRunner(call *callback.Call) (callback.Action, error) {
	a.flusher.Flush()
	return nil, nil
}

// countHTTPCode records one http_code observation keyed by the response
// status code.
func (a *LambdaAdapter) countHTTPCode(call *callback.Call) (callback.Action, error) {
	p := a.storage.Current()
	if p == nil {
		return nil, nil
	}
	response := p.Response()
	if response == nil {
		return nil, nil
	}
	p.Record().AddObservation(HTTPCodeMetricName, strconv.Itoa(response.Status()), 1, time.Now())
	return nil, nil
}

// recordResponse normalizes the handler's result into a response reader and
// stores it into the current protection context.
func (a *LambdaAdapter) recordResponse(call *callback.Call) (callback.Action, error) {
	result, ok := call.Options.Result().(map[string]interface{})
	if !ok {
		return nil, nil
	}
	binder := currentBinder(a.storage)
	if binder == nil {
		return nil, nil
	}
	binder.SetResponse(&proxyV1Response{res: result})
	return nil, nil
}

// errorPage overrides the handler's failure with the blocking page when the
// request was blocked by a security rule.
func (a *LambdaAdapter) errorPage(call *callback.Call) (callback.Action, error) {
	err := call.Options.Err()
	if err == nil {
		return nil, nil
	}
	if _, ok := err.(callback.AttackBlockedError); !ok {
		return nil, nil
	}
	return callback.OverrideAction{
		Value: map[string]interface{}{
			"statusCode":      http.StatusInternalServerError,
			"headers":         map[string]interface{}{"Content-Type": "text/html"},
			"isBase64Encoded": false,
			"body":            blockedPage,
		},
	}, nil
}

const blockedPage = `<html><head><title>Access Denied</title></head><body><h1>Access Denied</h1><p>This request was blocked by a security rule.</p></body></html>`

// proxyV1Request reads an AWS Lambda proxy integration v1 event.
type proxyV1Request struct {
	event map[string]interface{}
}

var _ types.RequestReader = (*proxyV1Request)(nil)

func (r *proxyV1Request) requestContext() map[string]interface{} {
	rc, _ := r.event["requestContext"].(map[string]interface{})
	return rc
}

func (r *proxyV1Request) identity() map[string]interface{} {
	id, _ := r.requestContext()["identity"].(map[string]interface{})
	return id
}

func (r *proxyV1Request) Method() string {
	return stringValue(r.event["httpMethod"])
}

func (r *proxyV1Request) URL() *url.URL {
	return &url.URL{
		Scheme:   r.scheme(),
		Host:     r.Host(),
		Path:     stringValue(r.event["path"]),
		RawQuery: r.QueryForm().Encode(),
	}
}

func (r *proxyV1Request) scheme() string {
	if proto := r.Header("X-Forwarded-Proto"); proto != nil {
		return *proto
	}
	return "http"
}

func (r *proxyV1Request) RequestURI() string {
	uri := stringValue(r.event["path"])
	if query := r.QueryForm().Encode(); query != "" {
		uri += "?" + query
	}
	return uri
}

func (r *proxyV1Request) Host() string {
	return stringValue(r.requestContext()["domainName"])
}

func (r *proxyV1Request) RemoteAddr() string {
	return stringValue(r.identity()["sourceIp"])
}

func (r *proxyV1Request) UserAgent() string {
	return stringValue(r.identity()["userAgent"])
}

func (r *proxyV1Request) Referer() string {
	if referer := r.Header("Referer"); referer != nil {
		return *referer
	}
	return ""
}

func (r *proxyV1Request) Headers() http.Header {
	return eventHeaders(r.event)
}

func (r *proxyV1Request) Header(header string) *string {
	return eventHeader(r.event, header)
}

func (r *proxyV1Request) ClientIP() net.IP {
	return net.ParseIP(r.RemoteAddr())
}

func (r *proxyV1Request) QueryForm() url.Values {
	return eventQueryValues(r.event)
}

func (r *proxyV1Request) Params() types.RequestParamMap {
	return eventPathParams(r.event)
}

func (r *proxyV1Request) Body() []byte {
	return eventBody(r.event)
}

// proxyV2Request reads an AWS Lambda proxy integration v2 event.
type proxyV2Request struct {
	event map[string]interface{}
}

var _ types.RequestReader = (*proxyV2Request)(nil)

func (r *proxyV2Request) requestContext() map[string]interface{} {
	rc, _ := r.event["requestContext"].(map[string]interface{})
	return rc
}

func (r *proxyV2Request) httpContext() map[string]interface{} {
	h, _ := r.requestContext()["http"].(map[string]interface{})
	return h
}

func (r *proxyV2Request) Method() string {
	if method := stringValue(r.httpContext()["method"]); method != "" {
		return method
	}
	return stringValue(r.event["httpMethod"])
}

func (r *proxyV2Request) URL() *url.URL {
	return &url.URL{
		Scheme:   r.scheme(),
		Host:     r.Host(),
		Path:     stringValue(r.httpContext()["path"]),
		RawQuery: stringValue(r.event["rawQueryString"]),
	}
}

func (r *proxyV2Request) scheme() string {
	if proto := r.Header("x-forwarded-proto"); proto != nil {
		return *proto
	}
	return "http"
}

func (r *proxyV2Request) RequestURI() string {
	uri := stringValue(r.event["rawPath"])
	if query := stringValue(r.event["rawQueryString"]); query != "" {
		uri += "?" + query
	}
	return uri
}

func (r *proxyV2Request) Host() string {
	return stringValue(r.requestContext()["domainName"])
}

func (r *proxyV2Request) RemoteAddr() string {
	return stringValue(r.httpContext()["sourceIp"])
}

func (r *proxyV2Request) UserAgent() string {
	return stringValue(r.httpContext()["userAgent"])
}

func (r *proxyV2Request) Referer() string {
	if referer := r.Header("referer"); referer != nil {
		return *referer
	}
	return ""
}

func (r *proxyV2Request) Headers() http.Header {
	return eventHeaders(r.event)
}

func (r *proxyV2Request) Header(header string) *string {
	return eventHeader(r.event, header)
}

func (r *proxyV2Request) ClientIP() net.IP {
	return net.ParseIP(r.RemoteAddr())
}

func (r *proxyV2Request) QueryForm() url.Values {
	if raw := stringValue(r.event["rawQueryString"]); raw != "" {
		if values, err := url.ParseQuery(raw); err == nil {
			return values
		}
	}
	return eventQueryValues(r.event)
}

func (r *proxyV2Request) Params() types.RequestParamMap {
	return eventPathParams(r.event)
}

func (r *proxyV2Request) Body() []byte {
	return eventBody(r.event)
}

// proxyV1Response reads an AWS Lambda proxy integration response object.
type proxyV1Response struct {
	res map[string]interface{}
}

var _ types.ResponseFace = (*proxyV1Response)(nil)

func (r *proxyV1Response) headers() map[string]interface{} {
	h, _ := r.res["headers"].(map[string]interface{})
	return h
}

func (r *proxyV1Response) Status() int {
	status, _ := intValue(r.res["statusCode"])
	return status
}

func (r *proxyV1Response) ContentType() string {
	return stringValue(r.headers()["Content-Type"])
}

func (r *proxyV1Response) ContentLength() int64 {
	if cl, ok := intValue(r.headers()["Content-Length"]); ok {
		return int64(cl)
	}
	return -1
}

func eventHeaders(event map[string]interface{}) http.Header {
	raw, _ := event["headers"].(map[string]interface{})
	if raw == nil {
		return nil
	}
	headers := make(http.Header, len(raw))
	for name, value := range raw {
		headers.Add(name, stringValue(value))
	}
	return headers
}

func eventHeader(event map[string]interface{}, header string) *string {
	raw, _ := event["headers"].(map[string]interface{})
	if raw == nil {
		return nil
	}
	canonical := http.CanonicalHeaderKey(header)
	for name, value := range raw {
		if http.CanonicalHeaderKey(name) == canonical {
			v := stringValue(value)
			return &v
		}
	}
	return nil
}

func eventQueryValues(event map[string]interface{}) url.Values {
	raw, _ := event["multiValueQueryStringParameters"].(map[string]interface{})
	if raw == nil {
		return url.Values{}
	}
	values := make(url.Values, len(raw))
	for name, value := range raw {
		list, ok := value.([]interface{})
		if !ok {
			values.Add(name, stringValue(value))
			continue
		}
		for _, v := range list {
			values.Add(name, stringValue(v))
		}
	}
	return values
}

func eventPathParams(event map[string]interface{}) types.RequestParamMap {
	raw, _ := event["pathParameters"].(map[string]interface{})
	if raw == nil {
		return nil
	}
	var params types.RequestParamMap
	for name, value := range raw {
		params.Add(name, value)
	}
	return params
}

func eventBody(event map[string]interface{}) []byte {
	body := stringValue(event["body"])
	if body == "" {
		return nil
	}
	if encoded, _ := event["isBase64Encoded"].(bool); encoded {
		if decoded, err := base64.StdEncoding.DecodeString(body); err == nil {
			return decoded
		}
	}
	return []byte(body)
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

// intValue converts the generic JSON decodings of a number.
func intValue(v interface{}) (int, bool) {
	switch actual := v.(type) {
	case int:
		return actual, true
	case int64:
		return int(actual), true
	case float64:
		return int(actual), true
	case json.Number:
		n, err := actual.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(actual)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
