package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pulsefeed/pulsefeed/pkg/errs"
)

// getJSON performs a bounded-timeout GET and decodes the response. A
// non-success status surfaces as a typed UpstreamAPIError; the caller
// decides whether to retry.
func getJSON(ctx context.Context, client *http.Client, venue, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPreview))
		return &errs.UpstreamAPIError{
			Venue:    venue,
			Endpoint: url,
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
