package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HeaderFromCache marks responses served from a stored snapshot
const HeaderFromCache = "X-From-Cache"

// Snapshot reads resp's body and returns an Entry for key together with a
// response carrying an identical, unread body for the caller.
// The original body is consumed and closed.
func Snapshot(key string, req *http.Request, resp *http.Response) (*Entry, *http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	if closeErr != nil {
		return nil, nil, fmt.Errorf("close response body: %w", closeErr)
	}

	stored := make([]byte, len(body))
	copy(stored, body)

	entry := &Entry{
		Key:       key,
		URL:       req.URL.String(),
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		Body:      stored,
		FetchedAt: time.Now().UTC(),
	}

	out := *resp
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	return entry, &out, nil
}

// Response rebuilds an HTTP response from the entry for req
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderFromCache, "1")
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
