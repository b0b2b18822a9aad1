package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// Handle serves an API Gateway proxy event through the same router as the
// HTTP server.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	httpReq, err := toHTTPRequest(ctx, req)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest}, nil
	}
	rec := newRecorder()
	h.router.ServeHTTP(rec, httpReq)
	return rec.response(), nil
}

func toHTTPRequest(ctx context.Context, req events.APIGatewayProxyRequest) (*http.Request, error) {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("handler: decode body: %w", err)
		}
		body = string(raw)
	}

	query := url.Values{}
	for k, vs := range req.MultiValueQueryStringParameters {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	for k, v := range req.QueryStringParameters {
		if _, ok := query[k]; !ok {
			query.Set(k, v)
		}
	}

	path := req.Path
	if path == "" {
		path = "/"
	}
	u := &url.URL{Path: path, RawQuery: query.Encode()}
	method := req.HTTPMethod
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handler: build request: %w", err)
	}
	for k, vs := range req.MultiValueHeaders {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, v := range req.Headers {
		if httpReq.Header.Get(k) == "" {
			httpReq.Header.Set(k, v)
		}
	}
	return httpReq, nil
}

// recorder buffers a routed response for the proxy integration.
type recorder struct {
	header http.Header
	status int
	body   strings.Builder
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *recorder) response() events.APIGatewayProxyResponse {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(r.header))
	for k, vs := range r.header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode:        status,
		Headers:           headers,
		MultiValueHeaders: map[string][]string(r.header),
		Body:              r.body.String(),
	}
}
