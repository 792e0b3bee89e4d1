package download

import (
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns a client suited to long streaming downloads: the
// timeout bounds connection setup and response headers, never the body.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	return &http.Client{Transport: transport}
}

// newLimiter returns a shared bandwidth limiter, or nil when unlimited.
// The burst never drops below one chunk so WaitN always succeeds.
func newLimiter(bytesPerSecond, chunkSize int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond
	if burst < chunkSize {
		burst = chunkSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))
}

// FileNameFromResponse picks a file name from Content-Disposition, falling
// back to the last path segment of the final request URL
func FileNameFromResponse(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if name := parseFileName(cd); name != "" {
			return name
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		return FileNameFromURL(resp.Request.URL.String())
	}
	return ""
}

// parseFileName parses filename from Content-Disposition header
func parseFileName(cd string) string {
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		if name := params["filename"]; name != "" {
			return path.Base(name)
		}
	}
	// Format: attachment; filename="file.txt"
	if idx := strings.Index(cd, "filename="); idx > 0 {
		filename := cd[idx+9:]
		if end := strings.Index(filename, ";"); end >= 0 {
			filename = filename[:end]
		}
		return path.Base(strings.Trim(filename, `" `))
	}
	return ""
}

// FileNameFromURL returns the unescaped last path segment of raw, or ""
// when the URL has no path
func FileNameFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		name := path.Base(u.Path)
		if u.Path == "" || name == "/" || name == "." {
			return ""
		}
		if unescaped, err := url.PathUnescape(name); err == nil {
			return unescaped
		}
		return name
	}

	parts := strings.Split(raw, "/")
	filename := parts[len(parts)-1]

	// Remove query parameters
	if idx := strings.Index(filename, "?"); idx >= 0 {
		filename = filename[:idx]
	}
	return filename
}

// parseContentRangeTotal returns the complete length from a header such as
// "bytes 100-199/200", or -1 when it is absent or unknown
func parseContentRangeTotal(header string) int64 {
	slash := strings.LastIndex(header, "/")
	if slash < 0 {
		return -1
	}
	total, err := strconv.ParseInt(strings.TrimSpace(header[slash+1:]), 10, 64)
	if err != nil || total < 0 {
		return -1
	}
	return total
}

// ResponseSize returns the full size of the resource behind resp: the
// Content-Range total for partial responses, else Content-Length, else 0
func ResponseSize(resp *http.Response) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if total := parseContentRangeTotal(resp.Header.Get("Content-Range")); total >= 0 {
			return total
		}
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}
