package targetvision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ImageSource resolves a photo's image URL to its raw bytes.
type ImageSource interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// URLFetcher fetches http(s) URLs over the network and treats anything else
// as a local file path.
type URLFetcher struct {
	Client *http.Client // if nil uses a client with a 30 second timeout
}

var _ ImageSource = &URLFetcher{}

func (f *URLFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return os.ReadFile(url)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
