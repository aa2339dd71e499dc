package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"edgeattend/internal/attendance"
)

// DefaultThreshold is the minimum similarity for a match.
const DefaultThreshold = 0.5

// FaceQuality contains face quality metrics.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	IsFrontal bool    `json:"is_frontal"`
}

// SearchMatch represents a face match from gallery search.
type SearchMatch struct {
	UserID     string  `json:"user_id"`
	Similarity float64 `json:"similarity"`
	Name       string  `json:"name,omitempty"`
}

// SearchResult contains 1:N search results.
type SearchResult struct {
	Matches       []SearchMatch `json:"matches"`
	FacesDetected int           `json:"faces_detected"`
	Quality       *FaceQuality  `json:"quality"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL   string
	HTTP      *http.Client
	Threshold float64
	// Skip short-circuits every call. Identify then returns SkipWorker.
	Skip       bool
	SkipWorker attendance.WorkerID
}

// New creates a client with configurable timeout.
func New(baseURL string, threshold float64, skip bool) *Client {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Client{
		BaseURL:    baseURL,
		Threshold:  threshold,
		Skip:       skip,
		SkipWorker: "mock-user",
		HTTP: &http.Client{
			Timeout: 10 * time.Second, // Search over the gallery can take time
		},
	}
}

// Identify resolves the worker in the image. ok is false when no face was
// found or no enrolled worker matched above the threshold.
func (c *Client) Identify(ctx context.Context, imageURL string) (attendance.WorkerID, bool, error) {
	if c.Skip {
		return c.SkipWorker, c.SkipWorker != "", nil
	}
	res, err := c.Search(ctx, imageURL, 1, c.Threshold)
	if err != nil {
		return "", false, err
	}
	var best *SearchMatch
	for i := range res.Matches {
		m := &res.Matches[i]
		if m.Similarity < c.Threshold {
			continue
		}
		if best == nil || m.Similarity > best.Similarity {
			best = m
		}
	}
	if best == nil || best.UserID == "" {
		return "", false, nil
	}
	return attendance.WorkerID(best.UserID), true, nil
}

// Search performs 1:N face identification against enrolled gallery.
func (c *Client) Search(ctx context.Context, imageURL string, topK int, threshold float64) (*SearchResult, error) {
	if c.Skip {
		return &SearchResult{
			Matches:       []SearchMatch{{UserID: string(c.SkipWorker), Similarity: 0.92, Name: "Mock User"}},
			FacesDetected: 1,
			Quality:       &FaceQuality{Score: 0.85, IsFrontal: true},
		}, nil
	}
	if imageURL == "" {
		return nil, xerrors.New("image url required")
	}

	payload := map[string]interface{}{
		"image_url": imageURL,
		"top_k":     topK,
	}
	if threshold > 0 {
		payload["threshold"] = threshold
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, xerrors.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, xerrors.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return xerrors.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return xerrors.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
