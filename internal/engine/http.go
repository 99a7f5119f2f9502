package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
)

// requestTemplate is the JSON form of an Http node's text.
type requestTemplate struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// parseRequest reads a rendered template: a JSON object, or a "METHOD URL"
// (or bare URL) first line followed by an optional body.
func parseRequest(text string) (ports.FetchRequest, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ports.FetchRequest{}, errors.New("empty request template")
	}

	if strings.HasPrefix(trimmed, "{") {
		var t requestTemplate
		if err := json.Unmarshal([]byte(trimmed), &t); err != nil {
			return ports.FetchRequest{}, fmt.Errorf("invalid request template: %w", err)
		}
		req := ports.FetchRequest{Method: strings.ToUpper(t.Method), URL: t.URL, Headers: t.Headers}
		if len(t.Body) > 0 {
			var s string
			if err := json.Unmarshal(t.Body, &s); err == nil {
				req.Body = s
			} else {
				req.Body = string(t.Body)
			}
		}
		return withDefaultMethod(req)
	}

	first, body, _ := strings.Cut(trimmed, "\n")
	fields := strings.Fields(first)
	req := ports.FetchRequest{Body: strings.TrimSpace(body)}
	switch len(fields) {
	case 1:
		req.URL = fields[0]
	case 2:
		req.Method, req.URL = strings.ToUpper(fields[0]), fields[1]
	default:
		return ports.FetchRequest{}, fmt.Errorf("invalid request line %q", first)
	}
	return withDefaultMethod(req)
}

func withDefaultMethod(req ports.FetchRequest) (ports.FetchRequest, error) {
	if req.URL == "" {
		return req, errors.New("request template has no url")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
		if req.Body != "" {
			req.Method = http.MethodPost
		}
	}
	return req, nil
}

// httpNode runs a request template against the fetcher.
type httpNode struct {
	node
}

func (n *httpNode) execute(r *Run) {
	r.setStatus(&n.object, domain.StatusExecuting, "")
	if r.fetcher == nil {
		r.fail(&n.object, errors.New("no fetcher configured"))
		return
	}
	s := r.scopeFor(&n.vertex)
	text := n.text
	fetcher := r.fetcher

	r.async(&n.object, "http", func(ctx context.Context) (func(), error) {
		res, err := s.resolve(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(res.unresolved) > 0 {
			return nil, fmt.Errorf("template references %d variables, %d unresolved: %s",
				len(res.refs), len(res.unresolved), strings.Join(res.unresolved, ", "))
		}
		req, err := parseRequest(res.text)
		if err != nil {
			return nil, err
		}
		resp, err := fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("request to %s returned status %d: %s", req.URL, resp.StatusCode, truncate(resp.Body, 200))
		}
		return func() {
			r.setText(n.id, resp.Body)
			r.finishNode(&n.node, loadInput{content: resp.Body})
		}, nil
	})
}

// validate checks that every plain variable the template names can be
// provided by an incoming edge, a floating variable or a loop index.
func (n *httpNode) validate(r *Run) error {
	if r.fetcher == nil {
		return errors.New("http node requires a fetcher")
	}
	names := make(map[string]bool)
	for _, e := range r.availableEdges(&n.vertex) {
		if providesValue(e) {
			names[e.label()] = true
		}
	}
	for name := range r.floating {
		names[name] = true
	}

	var missing []string
	for _, m := range referencePattern.FindAllStringSubmatch(n.text, -1) {
		name := strings.TrimSpace(m[3])
		if name == "" || isLoopToken(name) || strings.HasPrefix(name, "[") {
			continue
		}
		if !names[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("template references variables with no provider: %s", strings.Join(missing, ", "))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
