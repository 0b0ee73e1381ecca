// cmd/helpers.go
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// apiGet fetches a JSON endpoint from the configured server.
func apiGet(path string, out any) error {
	resp, err := httpClient.Get(strings.TrimRight(serverURL, "/") + path)
	if err != nil {
		return fmt.Errorf("could not reach glslbot server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// apiPost posts to a JSON endpoint and decodes the response. in may be nil.
func apiPost(path string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		reqBody = bytes.NewReader(data)
	}

	resp, err := httpClient.Post(strings.TrimRight(serverURL, "/")+path, "application/json", reqBody)
	if err != nil {
		return 0, fmt.Errorf("could not reach glslbot server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
	return resp.StatusCode, nil
}
