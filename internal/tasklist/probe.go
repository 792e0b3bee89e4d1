package tasklist

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/scripting-kit/ipadl/internal/download"
)

// Metadata is what a probe learns about a URL before a task exists
type Metadata struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Probe resolves the file name and size behind url with a HEAD request.
// Servers that refuse HEAD are asked for the first byte instead.
func Probe(ctx context.Context, client download.Doer, url string) (Metadata, error) {
	resp, err := probe(ctx, client, http.MethodHead, url)
	if err != nil {
		return Metadata{}, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = probe(ctx, client, http.MethodGet, url)
		if err != nil {
			return Metadata{}, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Metadata{}, &download.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	name := download.FileNameFromResponse(resp)
	if name == "" {
		name = download.FileNameFromURL(url)
	}
	return Metadata{URL: url, Name: name, Size: download.ResponseSize(resp)}, nil
}

func probe(ctx context.Context, client download.Doer, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	resp.Body.Close()
	return resp, nil
}
