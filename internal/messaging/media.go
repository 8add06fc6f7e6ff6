package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-concierge/internal/media"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
)

// MediaDownloader fetches inbound attachments from the provider that
// received them, using the tenant's own credentials.
type MediaDownloader struct {
	httpClient   *http.Client
	graphBaseURL string
	graphVersion string
}

func NewMediaDownloader(graphBaseURL, graphVersion string) *MediaDownloader {
	if graphBaseURL = strings.TrimRight(strings.TrimSpace(graphBaseURL), "/"); graphBaseURL == "" {
		graphBaseURL = defaultGraphBaseURL
	}
	if graphVersion = strings.TrimSpace(graphVersion); graphVersion == "" {
		graphVersion = defaultGraphVersion
	}
	return &MediaDownloader{
		httpClient:   &http.Client{Timeout: 20 * time.Second},
		graphBaseURL: graphBaseURL,
		graphVersion: graphVersion,
	}
}

// CloudAPI resolves a Graph media id to its download URL and fetches it.
func (d *MediaDownloader) CloudAPI(ctx context.Context, creds tenancy.MessagingCredentials, mediaID string) ([]byte, string, error) {
	if creds.AccessToken == "" {
		return nil, "", fmt.Errorf("messaging: cloud api access token missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", d.graphBaseURL, d.graphVersion, mediaID), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	body, _, err := d.do(req, 8192)
	if err != nil {
		return nil, "", fmt.Errorf("messaging: resolve media %s: %w", mediaID, err)
	}
	var info struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.Unmarshal(body, &info); err != nil || info.URL == "" {
		return nil, "", fmt.Errorf("messaging: media %s has no download url", mediaID)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	data, contentType, err := d.do(req, media.MaxObjectBytes)
	if err != nil {
		return nil, "", fmt.Errorf("messaging: download media %s: %w", mediaID, err)
	}
	if info.MimeType != "" {
		contentType = info.MimeType
	}
	return data, contentType, nil
}

// Twilio downloads a MediaUrlN attachment with the account's credentials.
func (d *MediaDownloader) Twilio(ctx context.Context, creds tenancy.MessagingCredentials, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	if creds.AccountSID != "" && creds.AuthToken != "" {
		req.SetBasicAuth(creds.AccountSID, creds.AuthToken)
	}
	data, contentType, err := d.do(req, media.MaxObjectBytes)
	if err != nil {
		return nil, "", fmt.Errorf("messaging: download twilio media: %w", err)
	}
	return data, contentType, nil
}

func (d *MediaDownloader) do(req *http.Request, limit int64) ([]byte, string, error) {
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > limit {
		return nil, "", media.ErrTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}
