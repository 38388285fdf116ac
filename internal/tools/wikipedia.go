package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// WikipediaImages searches Wikipedia for an article and returns thumbnail
// URLs from the top result. The generated pages may only embed images whose
// URLs came from a tool, so this is the agent's image source.
type WikipediaImages struct {
	baseURL string
	client  *http.Client
}

// NewWikipediaImages creates a new WikipediaImages tool.
func NewWikipediaImages() *WikipediaImages {
	return &WikipediaImages{
		baseURL: "https://en.wikipedia.org/w/api.php",
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WikipediaImages) Name() string { return "wikipedia_images" }
func (w *WikipediaImages) Description() string {
	return "Search Wikipedia for an article and return image URLs (thumbnails) from the top result."
}
func (w *WikipediaImages) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search term for the Wikipedia article"},
			"limit": {"type": "integer", "description": "Maximum number of images to return", "default": 3}
		},
		"required": ["query"]
	}`)
}

type wikiSearchResponse struct {
	Query struct {
		Search []struct {
			PageID int `json:"pageid"`
		} `json:"search"`
	} `json:"query"`
}

type wikiImagesResponse struct {
	Query struct {
		Pages map[string]struct {
			Images []struct {
				Title string `json:"title"`
			} `json:"images"`
		} `json:"pages"`
	} `json:"query"`
}

type wikiImageInfoResponse struct {
	Query struct {
		Pages map[string]struct {
			ImageInfo []struct {
				ThumbURL string `json:"thumburl"`
				URL      string `json:"url"`
			} `json:"imageinfo"`
		} `json:"pages"`
	} `json:"query"`
}

func (w *WikipediaImages) get(ctx context.Context, params url.Values, into any) error {
	params.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("wikipedia request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wikipedia API error (status %d)", resp.StatusCode)
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (w *WikipediaImages) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	if params.Limit <= 0 {
		params.Limit = 3
	}

	// 1. Find the top article for the query.
	var search wikiSearchResponse
	q := url.Values{"action": {"query"}, "list": {"search"}, "srsearch": {params.Query}}
	if err := w.get(ctx, q, &search); err != nil {
		return "", err
	}
	if len(search.Query.Search) == 0 {
		return `{"images":[],"note":"No article found"}`, nil
	}
	pageID := search.Query.Search[0].PageID

	// 2. List the images on that page.
	var images wikiImagesResponse
	q = url.Values{"action": {"query"}, "pageids": {fmt.Sprintf("%d", pageID)}, "prop": {"images"}}
	if err := w.get(ctx, q, &images); err != nil {
		return "", err
	}
	var titles []string
	for _, page := range images.Query.Pages {
		for _, img := range page.Images {
			titles = append(titles, img.Title)
		}
	}
	if len(titles) > params.Limit {
		titles = titles[:params.Limit]
	}

	// 3. Resolve each image title to a thumbnail URL.
	var thumbs []string
	for _, title := range titles {
		var info wikiImageInfoResponse
		q = url.Values{
			"action": {"query"}, "titles": {title},
			"prop": {"imageinfo"}, "iiprop": {"url"}, "iiurlwidth": {"300"},
		}
		if err := w.get(ctx, q, &info); err != nil {
			continue
		}
		for _, page := range info.Query.Pages {
			for _, ii := range page.ImageInfo {
				if ii.ThumbURL != "" {
					thumbs = append(thumbs, ii.ThumbURL)
				} else if ii.URL != "" {
					thumbs = append(thumbs, ii.URL)
				}
				break
			}
			break
		}
	}

	result, err := json.Marshal(map[string]any{
		"images":  thumbs,
		"article": fmt.Sprintf("https://en.wikipedia.org/?curid=%d", pageID),
	})
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(result), nil
}
