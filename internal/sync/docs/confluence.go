package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ConfluenceSource fetches pages from a Confluence/Jira-family REST API,
// talking to the REST search endpoint directly over net/http with basic
// auth.
type ConfluenceSource struct {
	BaseURL    string
	User       string
	APIToken   string
	HTTPClient *http.Client
}

type confluenceSearchResponse struct {
	Results []confluencePage `json:"results"`
}

type confluencePage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Version struct {
		When time.Time `json:"when"`
	} `json:"version"`
}

// FetchSpace lists every current page in a Confluence space.
func (c *ConfluenceSource) FetchSpace(ctx context.Context, name string) ([]Document, error) {
	cql := fmt.Sprintf("space=%q and type=page", name)
	return c.search(ctx, cql, "space:"+name)
}

// FetchProject lists every current issue in a Jira project, normalized to
// the same Document shape as a Confluence page.
func (c *ConfluenceSource) FetchProject(ctx context.Context, name string) ([]Document, error) {
	cql := fmt.Sprintf("project=%q", name)
	return c.search(ctx, cql, "project:"+name)
}

func (c *ConfluenceSource) search(ctx context.Context, cql, sourceLabel string) ([]Document, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	u := c.BaseURL + "/rest/api/content/search?" + url.Values{
		"cql":    {cql},
		"expand": {"body.storage,version"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.User, c.APIToken)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("doc source %s: unexpected status %d", sourceLabel, resp.StatusCode)
	}

	var parsed confluenceSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode doc source %s: %w", sourceLabel, err)
	}

	docs := make([]Document, 0, len(parsed.Results))
	for _, p := range parsed.Results {
		docs = append(docs, Document{
			ID:        sourceLabel + ":" + p.ID,
			Source:    sourceLabel,
			Title:     p.Title,
			Body:      p.Body.Storage.Value,
			UpdatedAt: p.Version.When,
		})
	}
	return docs, nil
}
