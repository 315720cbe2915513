package adapter_test

import (
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raspkit/go-agent/internal/ecosystem/adapter"
	"github.com/raspkit/go-agent/internal/event"
	"github.com/raspkit/go-agent/internal/protection/types"
	"github.com/raspkit/go-agent/internal/rule"
	"github.com/raspkit/go-agent/internal/rule/callback"
	"github.com/raspkit/go-agent/internal/rule/callback/_testlib/mockups"
)

// binderMockup is a protection context mockup the adapter can also write the
// normalized request and response into.
type binderMockup struct {
	mockups.ProtectionContextMockup
	request  types.RequestReader
	response types.ResponseFace
}

func (b *binderMockup) SetRequest(r types.RequestReader) { b.request = r }

func (b *binderMockup) SetResponse(r types.ResponseFace) { b.response = r }

func newAdapterTest() (*adapter.LambdaAdapter, *binderMockup) {
	binder := &binderMockup{}
	storage := &mockups.StorageProviderMockup{}
	storage.ExpectCurrent().Return(binder)
	return adapter.NewLambdaAdapter(storage, nil), binder
}

func proxyV1Event() map[string]interface{} {
	return map[string]interface{}{
		"httpMethod": "POST",
		"path":       "/hello/42",
		"multiValueQueryStringParameters": map[string]interface{}{
			"a": []interface{}{"1", "2"},
			"b": "3",
		},
		"headers": map[string]interface{}{
			"x-forwarded-proto": "https",
			"referer":           "https://example.com/",
			"content-type":      "application/json",
		},
		"pathParameters": map[string]interface{}{
			"id": "42",
		},
		"requestContext": map[string]interface{}{
			"domainName": "api.example.com",
			"identity": map[string]interface{}{
				"sourceIp":  "1.2.3.4",
				"userAgent": "curl/7.64.1",
			},
		},
		"body":            "aGVsbG8=",
		"isBase64Encoded": true,
	}
}

func proxyV2Event() map[string]interface{} {
	return map[string]interface{}{
		"version":        "2.0",
		"rawPath":        "/hello/42",
		"rawQueryString": "a=1&a=2&b=3",
		"headers": map[string]interface{}{
			"x-forwarded-proto": "https",
			"referer":           "https://example.com/",
		},
		"pathParameters": map[string]interface{}{
			"id": "42",
		},
		"requestContext": map[string]interface{}{
			"domainName": "api.example.com",
			"http": map[string]interface{}{
				"method":    "POST",
				"path":      "/hello/42",
				"sourceIp":  "1.2.3.4",
				"userAgent": "curl/7.64.1",
			},
		},
		"body": "hello",
	}
}

func descriptorByName(t *testing.T, descriptors []rule.Descriptor, name string) rule.Descriptor {
	for _, d := range descriptors {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("no descriptor named `%s`", name)
	return rule.Descriptor{}
}

func TestDescriptors(t *testing.T) {
	t.Run("without a flusher", func(t *testing.T) {
		a, _ := newAdapterTest()
		descriptors := a.Descriptors()
		require.Len(t, descriptors, 5)

		priorities := make(map[string]int, len(descriptors))
		for _, d := range descriptors {
			require.NoError(t, d.Validate())
			priorities[d.Name] = d.Priority
		}
		require.Equal(t, map[string]int{
			"ecosystem_aws_lambda_request_context": 20,
			"ecosystem_aws_lambda_provide_data":    80,
			"ecosystem_aws_lambda_http_code":       60,
			"ecosystem_aws_lambda_record_response": 30,
			"ecosystem_aws_lambda_error_page":      100,
		}, priorities)

		// The response must be available to the rules consuming it, even when
		// the request is overtime.
		require.True(t, descriptorByName(t, descriptors, "ecosystem_aws_lambda_record_response").Critical)
	})

	t.Run("with a flusher", func(t *testing.T) {
		flusher := &flusherMockup{}
		binder := &binderMockup{}
		storage := &mockups.StorageProviderMockup{}
		storage.ExpectCurrent().Return(binder)
		a := adapter.NewLambdaAdapter(storage, flusher)

		descriptors := a.Descriptors()
		require.Len(t, descriptors, 6)
		runner := descriptorByName(t, descriptors, "ecosystem_aws_lambda_execute_runner")
		require.Equal(t, 110, runner.Priority)
		require.True(t, runner.Critical)

		_, err := runner.Callbacks.Post(&callback.Call{})
		require.NoError(t, err)
		require.Equal(t, 1, flusher.flushed)
	})
}

type flusherMockup struct {
	flushed int
}

func (f *flusherMockup) Flush() { f.flushed++ }

func TestRecordRequestContext(t *testing.T) {
	pre := func(a *adapter.LambdaAdapter) callback.Handler {
		return descriptorByName(t, a.Descriptors(), "ecosystem_aws_lambda_request_context").Callbacks.Pre
	}

	t.Run("v1 event", func(t *testing.T) {
		a, binder := newAdapterTest()
		_, err := pre(a)(&callback.Call{Args: []interface{}{proxyV1Event()}})
		require.NoError(t, err)
		require.NotNil(t, binder.request)
		require.Equal(t, "POST", binder.request.Method())
	})

	t.Run("v2 event", func(t *testing.T) {
		a, binder := newAdapterTest()
		_, err := pre(a)(&callback.Call{Args: []interface{}{proxyV2Event()}})
		require.NoError(t, err)
		require.NotNil(t, binder.request)
		require.Equal(t, "POST", binder.request.Method())
	})

	t.Run("unsupported shapes are reported once", func(t *testing.T) {
		a, binder := newAdapterTest()
		handler := pre(a)
		unknown := map[string]interface{}{"Records": []interface{}{}}

		_, err := handler(&callback.Call{Args: []interface{}{unknown}})
		require.Error(t, err)
		uerr, ok := err.(adapter.UnsupportedEventError)
		require.True(t, ok)
		require.Equal(t, unknown, uerr.Event)
		require.Nil(t, binder.request)

		// Same shape again: deduplicated.
		_, err = handler(&callback.Call{Args: []interface{}{unknown}})
		require.NoError(t, err)

		// A different shape is a new report.
		_, err = handler(&callback.Call{Args: []interface{}{map[string]interface{}{"detail": "x"}}})
		require.Error(t, err)

		// Reconfiguring resets the deduplication cache.
		handler = pre(a)
		_, err = handler(&callback.Call{Args: []interface{}{unknown}})
		require.Error(t, err)
	})

	t.Run("non-event arguments are ignored", func(t *testing.T) {
		a, binder := newAdapterTest()
		handler := pre(a)

		_, err := handler(&callback.Call{})
		require.NoError(t, err)
		_, err = handler(&callback.Call{Args: []interface{}{"not an event"}})
		require.NoError(t, err)
		require.Nil(t, binder.request)
	})
}

func TestProxyV1Request(t *testing.T) {
	a, binder := newAdapterTest()
	handler := descriptorByName(t, a.Descriptors(), "ecosystem_aws_lambda_request_context").Callbacks.Pre
	_, err := handler(&callback.Call{Args: []interface{}{proxyV1Event()}})
	require.NoError(t, err)
	r := binder.request
	require.NotNil(t, r)

	require.Equal(t, "POST", r.Method())
	require.Equal(t, "api.example.com", r.Host())
	require.Equal(t, "/hello/42?a=1&a=2&b=3", r.RequestURI())
	require.Equal(t, "1.2.3.4", r.RemoteAddr())
	require.Equal(t, net.ParseIP("1.2.3.4"), r.ClientIP())
	require.Equal(t, "curl/7.64.1", r.UserAgent())
	require.Equal(t, "https://example.com/", r.Referer())
	require.Equal(t, url.Values{"a": {"1", "2"}, "b": {"3"}}, r.QueryForm())
	require.Equal(t, types.RequestParamMap{"id": {"42"}}, r.Params())
	require.Equal(t, []byte("hello"), r.Body())

	u := r.URL()
	require.Equal(t, "https", u.Scheme)
	require.Equal(t, "/hello/42", u.Path)

	headers := r.Headers()
	require.Equal(t, "application/json", headers.Get("Content-Type"))
	contentType := r.Header("content-TYPE")
	require.NotNil(t, contentType)
	require.Equal(t, "application/json", *contentType)
	require.Nil(t, r.Header("X-Missing"))
}

func TestProxyV2Request(t *testing.T) {
	a, binder := newAdapterTest()
	handler := descriptorByName(t, a.Descriptors(), "ecosystem_aws_lambda_request_context").Callbacks.Pre
	_, err := handler(&callback.Call{Args: []interface{}{proxyV2Event()}})
	require.NoError(t, err)
	r := binder.request
	require.NotNil(t, r)

	require.Equal(t, "POST", r.Method())
	require.Equal(t, "api.example.com", r.Host())
	require.Equal(t, "/hello/42?a=1&a=2&b=3", r.RequestURI())
	require.Equal(t, "1.2.3.4", r.RemoteAddr())
	require.Equal(t, "curl/7.64.1", r.UserAgent())
	require.Equal(t, "https://example.com/", r.Referer())
	require.Equal(t, url.Values{"a": {"1", "2"}, "b": {"3"}}, r.QueryForm())
	require.Equal(t, types.RequestParamMap{"id": {"42"}}, r.Params())
	require.Equal(t, []byte("hello"), r.Body())

	u := r.URL()
	require.Equal(t, "https", u.Scheme)
	require.Equal(t, "/hello/42", u.Path)
	require.Equal(t, "a=1&a=2&b=3", u.RawQuery)
}

func TestProvideData(t *testing.T) {
	a, binder := newAdapterTest()
	descr := descriptorByName(t, a.Descriptors(), "ecosystem_aws_lambda_provide_data")

	recordContext := descriptorByName(t, a.Descriptors(), "ecosystem_aws_lambda_request_context").Callbacks.Pre
	_, err := recordContext(&callback.Call{Args: []interface{}{proxyV1Event()}})
	require.NoError(t, err)

	store := map[string]interface{}{}
	binder.ExpectRequest().Return(binder.request)
	binder.ExpectResponse().Return(&responseStub{status: 200})
	binder.ExpectRequestStore().Return(store)

	_, err = descr.Callbacks.Pre(&callback.Call{})
	require.NoError(t, err)
	require.Equal(t, "POST", store[adapter.MethodAddress])
	require.Equal(t, net.ParseIP("1.2.3.4"), store[adapter.ClientIPAddress])
	require.Equal(t, "/hello/42?a=1&a=2&b=3", store[adapter.RawURIAddress])
	require.Equal(t, url.Values{"a": {"1", "2"}, "b": {"3"}}, store[adapter.QueryAddress])
	require.Equal(t, []byte("hello"), store[adapter.RawBodyAddress])
	require.Equal(t, types.RequestParamMap{"id": {"42"}}, store[adapter.PathParamsAddress])

	_, err = descr.Callbacks.Post(&callback.Call{})
	require.NoError(t, err)
	require.Equal(t, 200, store[adapter.ResponseStatusAddress])
}

type responseStub struct {
	status int
}

func (r *responseStub) Status() int { return r.status }

func (r *responseStub) ContentType() string { return "" }

func (r *responseStub) ContentLength() int64 { return -1 }

func TestCountHTTPCode(t *testing.T) {
	a, binder := newAdapterTest()
	handler := descriptorByName(t, a.Descriptors(), "ecosystem_aws_lambda_http_code").Callbacks.Post

	record := &event.Record{}
	binder.ExpectResponse().Return(&responseStub{status: 404})
	binder.ExpectRecord().Return(record)

	_, err := handler(&callback.Call{})
	require.NoError(t, err)

	observations := record.Observations()
	require.Len(t, observations, 1)
	require.Equal(t, adapter.HTTPCodeMetricName, observations[0].Metric)
	require.Equal(t, "404", observations[0].Key)
	require.Equal(t, int64(1), observations[0].Value)
}

func TestRecordResponse(t *testing.T) {
	a, binder := newAdapterTest()
	handler := descriptorByName(t, a.Descriptors(), "ecosystem_aws_lambda_record_response").Callbacks.Post

	t.Run("proxy response object", func(t *testing.T) {
		result := map[string]interface{}{
			"statusCode": float64(201),
			"headers": map[string]interface{}{
				"Content-Type":   "application/json",
				"Content-Length": "12",
			},
		}
		_, err := handler(&callback.Call{Options: callback.Options{callback.ResultOption: result}})
		require.NoError(t, err)
		require.NotNil(t, binder.response)
		require.Equal(t, 201, binder.response.Status())
		require.Equal(t, "application/json", binder.response.ContentType())
		require.Equal(t, int64(12), binder.response.ContentLength())
	})

	t.Run("unexpected result shapes are ignored", func(t *testing.T) {
		binder.response = nil
		_, err := handler(&callback.Call{Options: callback.Options{callback.ResultOption: "not a response"}})
		require.NoError(t, err)
		require.Nil(t, binder.response)
	})
}

func TestErrorPage(t *testing.T) {
	a, _ := newAdapterTest()
	handler := descriptorByName(t, a.Descriptors(), "ecosystem_aws_lambda_error_page").Callbacks.Failing

	t.Run("blocked request", func(t *testing.T) {
		blocked := callback.AttackBlockedError{RuleName: "waf"}
		action, err := handler(&callback.Call{Options: callback.Options{callback.ErrorOption: blocked}})
		require.NoError(t, err)
		override, ok := action.(callback.OverrideAction)
		require.True(t, ok)

		value, ok := override.Value.(map[string]interface{})
		require.True(t, ok)
		require.Equal(t, http.StatusInternalServerError, value["statusCode"])
		require.Equal(t, false, value["isBase64Encoded"])
		require.Contains(t, value["body"], "Access Denied")
	})

	t.Run("unrelated handler errors pass through", func(t *testing.T) {
		action, err := handler(&callback.Call{Options: callback.Options{callback.ErrorOption: errStub("oops")}})
		require.NoError(t, err)
		require.Nil(t, action)

		action, err = handler(&callback.Call{})
		require.NoError(t, err)
		require.Nil(t, action)
	})
}

type errStub string

func (e errStub) Error() string { return string(e) }
