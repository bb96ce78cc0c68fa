package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
)

// fetchRequest is the argument of sqlpage.fetch: either a URL or a JSON object
// describing the request.
type fetchRequest struct {
	URL              string            `json:"url"`
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers"`
	Username         *string           `json:"username"`
	Password         *string           `json:"password"`
	Body             json.RawMessage   `json:"body"`
	TimeoutMS        *int64            `json:"timeout_ms"`
	ResponseEncoding string            `json:"response_encoding"`
}

func defaultFetchHeaders(version string) map[string]string {
	return map[string]string{
		"Accept":     "*/*",
		"User-Agent": "SQLPage/v" + version,
	}
}

func parseFetchRequest(s, version string) (*fetchRequest, error) {
	if strings.HasPrefix(s, "http") {
		return &fetchRequest{URL: s, Headers: defaultFetchHeaders(version)}, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	var r fetchRequest
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf(`invalid http request, expected an http request object, e.g. '{"url":"http://example.com"}': %w`, err)
	}
	if r.Headers == nil {
		r.Headers = defaultFetchHeaders(version)
	}
	return &r, nil
}

type fetchResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// do performs the request. The response status is not interpreted.
func (r *fetchRequest) do(ctx context.Context, client *http.Client) (*fetchResponse, error) {
	if r.TimeoutMS != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*r.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var (
		body        io.Reader
		contentType string
	)
	if len(r.Body) > 0 && string(r.Body) != "null" {
		if r.Body[0] == '"' {
			var raw string
			if err := json.Unmarshal(r.Body, &raw); err != nil {
				return nil, fmt.Errorf("invalid JSON string in the body of the HTTP request: %s", r.Body)
			}
			body = strings.NewReader(raw)
		} else {
			body = bytes.NewReader(r.Body)
			contentType = "application/json"
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("invalid http request to %s: %w", r.URL, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.Username != nil {
		password := ""
		if r.Password != nil {
			password = *r.Password
		}
		req.SetBasicAuth(*r.Username, password)
	}
	slog.Info("fetching", "url", r.URL, "method", method)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch %s: %w", r.URL, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read the body of the response from %s: %w", r.URL, err)
	}
	slog.Debug("finished fetching", "url", r.URL, "status", resp.StatusCode)
	return &fetchResponse{Status: resp.StatusCode, Headers: resp.Header, Body: b}, nil
}

// decodeBody turns the response body into text according to
// response_encoding: base64, hex, or a character set label.
func (r *fetchRequest) decodeBody(b []byte) (string, error) {
	switch enc := strings.ToLower(r.ResponseEncoding); enc {
	case "":
		if !utf8.Valid(b) {
			return "", fmt.Errorf("unable to convert the response from %s to a string. Only UTF-8 responses are supported unless response_encoding is set", r.URL)
		}
		return string(b), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(b), nil
	case "hex":
		return hex.EncodeToString(b), nil
	default:
		e, err := htmlindex.Get(enc)
		if err != nil {
			return "", fmt.Errorf("unsupported response_encoding %q: %w", r.ResponseEncoding, err)
		}
		out, err := e.NewDecoder().Bytes(b)
		if err != nil {
			return "", fmt.Errorf("unable to decode the response from %s as %s: %w", r.URL, enc, err)
		}
		return string(out), nil
	}
}

func fnFetch(ctx context.Context, c *callContext, args []*string) (*string, error) {
	r, err := parseFetchRequest(*args[0], c.x.eng.Version)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, c.x.eng.HTTP)
	if err != nil {
		return nil, err
	}
	s, err := r.decodeBody(resp.Body)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// fnFetchWithMeta reports the status, headers and body of the response.
// Failures are described in an "error" field instead of failing the query.
func fnFetchWithMeta(ctx context.Context, c *callContext, args []*string) (*string, error) {
	out := codec.NewRow(3)
	r, err := parseFetchRequest(*args[0], c.x.eng.Version)
	if err != nil {
		out.Set("error", err.Error())
		return marshalString(out)
	}
	resp, err := r.do(ctx, c.x.eng.HTTP)
	if err != nil {
		out.Set("error", err.Error())
		return marshalString(out)
	}
	out.Set("status", resp.Status)
	headers := codec.NewRow(len(resp.Headers))
	for _, k := range slices.Sorted(maps.Keys(resp.Headers)) {
		headers.Set(strings.ToLower(k), strings.Join(resp.Headers[k], ", "))
	}
	out.Set("headers", headers)
	body, err := r.decodeBody(resp.Body)
	switch {
	case err != nil:
		out.Set("error", err.Error())
	case strings.Contains(resp.Headers.Get("Content-Type"), "json") && r.ResponseEncoding == "":
		if v, err := codec.ParseJSON(body); err == nil {
			out.Set("body", v)
		} else {
			out.Set("body", body)
		}
	default:
		out.Set("body", body)
	}
	return marshalString(out)
}
