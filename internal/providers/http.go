package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const httpTimeout = 30 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// doJSON performs one JSON request against a provider API: body (if any) is
// encoded as JSON, non-2xx answers become APIErrors, and the response body
// decodes into out (when out is non-nil).
func doJSON(ctx context.Context, client *http.Client, provider, method, url string,
	headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.WithMessagef(err, "%s: encoding request", provider)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.WithMessagef(err, "%s: building request", provider)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	klog.V(2).Infof("providers: %s %s %s", provider, method, url)
	resp, err := client.Do(req)
	if err != nil {
		return errors.WithMessagef(ErrProviderDown, "%s: %v", provider, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(provider, resp)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WithMessagef(err, "%s: decoding response", provider)
	}
	return nil
}
