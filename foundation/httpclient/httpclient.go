// Package httpclient provides basic http functions
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteResourceInfo contains change-detection information for a remote resource
type RemoteResourceInfo struct {
	ETag                  string
	LastModifiedTimestamp int64
	Path                  string
}

// GetRemoteResourceInfo retrieves ETag and last modified timestamp from url using a HEAD request
func GetRemoteResourceInfo(ctx context.Context, client *http.Client, url string) (RemoteResourceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return RemoteResourceInfo{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return RemoteResourceInfo{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return getRemoteResourceInfo(url, resp), nil
}

func getRemoteResourceInfo(url string, resp *http.Response) RemoteResourceInfo {
	result := RemoteResourceInfo{
		Path: url,
	}
	result.ETag = resp.Header.Get("ETag")

	lastModifiedString := resp.Header.Get("Last-Modified")

	if len(lastModifiedString) > 0 {
		parsedTime, err := time.Parse(time.RFC1123, lastModifiedString)
		if err == nil {
			result.LastModifiedTimestamp = parsedTime.Unix()
		}
	}
	return result
}

// IsDifferent compares this RemoteResourceInfo against another resource's etag and last modified timestamp.
// ETags are preferred when the server provides them
func (df *RemoteResourceInfo) IsDifferent(etag string, lastModifiedTimestamp int64) bool {
	if len(df.ETag) > 0 {
		return df.ETag != etag
	}
	return df.LastModifiedTimestamp != lastModifiedTimestamp
}

// MakeClient builds an http.Client with a request timeout for use against agency passthrough endpoints
func MakeClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// GetJSON performs a GET against url and unmarshals the json response body into target
func GetJSON(ctx context.Context, client *http.Client, url string, target interface{}) error {
	body, _, err := GetBytes(ctx, client, url)
	if err != nil {
		return err
	}
	err = json.Unmarshal(body, target)
	if err != nil {
		return fmt.Errorf("unable to unmarshal response from %s, error: %w", url, err)
	}
	return nil
}

// GetBytes performs a GET against url, returning the raw response body
// and change-detection information about the resource
func GetBytes(ctx context.Context, client *http.Client, url string) ([]byte, RemoteResourceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, RemoteResourceInfo{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, RemoteResourceInfo{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, RemoteResourceInfo{}, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, RemoteResourceInfo{}, err
	}
	return body, getRemoteResourceInfo(url, resp), nil
}
