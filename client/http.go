package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is returned when a node answers with an unexpected status code.
type StatusError struct {
	Method string // Method is the HTTP method of the request
	URL    string // URL is the requested URL
	Code   int    // Code is the status code received
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
}

// httpClient is shared by every Client.
var httpClient = &http.Client{Timeout: 15 * time.Second}

// do sends a request and decodes the JSON answer into result when the status
// is one of ok.
func do(method, url string, body []byte, result any, ok ...int) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s %s:\n%w", method, url, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	accepted := false
	for _, code := range ok {
		if resp.StatusCode == code {
			accepted = true
		}
	}

	if !accepted {
		return &StatusError{Method: method, URL: url, Code: resp.StatusCode}
	}

	if result == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(url string, result any) error {
	return do(http.MethodGet, url, nil, result, http.StatusOK)
}
