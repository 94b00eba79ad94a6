package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

// Source fetches the detection rules of one platform
type Source interface {
	Platform() string
	FetchRules(ctx context.Context) ([]model.DetectionRule, error)
}

// rulesExport is the JSON layout accepted by FileSource and HTTPSource.
// Either a bare array of rules or an object with a "rules" field.
type rulesExport struct {
	Rules []model.DetectionRule `json:"rules"`
}

func decodeRules(platform string, b []byte) ([]model.DetectionRule, error) {
	var rules []model.DetectionRule
	if err := json.Unmarshal(b, &rules); err != nil {
		var export rulesExport
		if errObject := json.Unmarshal(b, &export); errObject != nil {
			return nil, fmt.Errorf("decode rules of %s: %w", platform, err)
		}
		rules = export.Rules
	}

	for i := range rules {
		if rules[i].Platform == "" {
			rules[i].Platform = platform
		}
	}
	valid := rules[:0]
	for _, rule := range rules {
		if rule.RuleID != "" {
			valid = append(valid, rule)
		}
	}
	return valid, nil
}

// FileSource reads a JSON rules export from disk
type FileSource struct {
	platform string
	path     string
}

// NewFileSource creates a FileSource
func NewFileSource(platform, path string) *FileSource {
	return &FileSource{platform: platform, path: path}
}

func (s *FileSource) Platform() string {
	return s.platform
}

func (s *FileSource) FetchRules(ctx context.Context) ([]model.DetectionRule, error) {
	if s.path == "" {
		return nil, helper.NewError("file source", fmt.Errorf("%w: no path for %s", helper.ErrNotConfigured, s.platform))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, helper.NewError("read rules export", err)
	}
	return decodeRules(s.platform, b)
}

// HTTPSource fetches a JSON rules export over HTTP with an optional bearer token
type HTTPSource struct {
	platform string
	url      string
	token    string
	client   *http.Client
}

// NewHTTPSource creates an HTTPSource. A nil client uses a client with a 60 second timeout.
func NewHTTPSource(platform, url, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPSource{platform: platform, url: url, token: token, client: client}
}

func (s *HTTPSource) Platform() string {
	return s.platform
}

func (s *HTTPSource) FetchRules(ctx context.Context) ([]model.DetectionRule, error) {
	if s.url == "" {
		return nil, helper.NewError("http source", fmt.Errorf("%w: no url for %s", helper.ErrNotConfigured, s.platform))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, helper.NewError("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, helper.NewError("fetch rules", helper.Classify(helper.ErrTransient, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			err = helper.Classify(helper.ErrTransient, err)
		}
		return nil, helper.NewError("fetch rules", err)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, helper.NewError("read response", helper.Classify(helper.ErrTransient, err))
	}
	return decodeRules(s.platform, b)
}
