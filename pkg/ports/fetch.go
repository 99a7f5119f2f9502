package ports

import "context"

// FetchRequest describes an outgoing HTTP request.
type FetchRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// FetchResponse is the raw result of a FetchRequest.
type FetchResponse struct {
	StatusCode int
	Body       string
}

// Fetcher performs HTTP requests on behalf of Http nodes.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}
