package rules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/siherrmann/tipper/helper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("Bare array export", func(t *testing.T) {
		path := filepath.Join(dir, "array.json")
		require.NoError(t, writeRaw(path, `[{"rule_id":"r1","name":"One"},{"name":"no id"}]`))

		rules, err := NewFileSource("edr", path).FetchRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "edr", rules[0].Platform)
	})

	t.Run("Object export", func(t *testing.T) {
		path := filepath.Join(dir, "object.json")
		require.NoError(t, writeRaw(path, `{"rules":[{"rule_id":"r1","platform":"custom","name":"One"}]}`))

		rules, err := NewFileSource("edr", path).FetchRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "custom", rules[0].Platform)
	})

	t.Run("Invalid export", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.json")
		require.NoError(t, writeRaw(path, `"just a string"`))
		_, err := NewFileSource("edr", path).FetchRules(ctx)
		assert.Error(t, err)
	})

	t.Run("Missing path is not configured", func(t *testing.T) {
		_, err := NewFileSource("edr", "").FetchRules(ctx)
		assert.ErrorIs(t, err, helper.ErrNotConfigured)
	})
}

func TestHTTPSource(t *testing.T) {
	ctx := context.Background()

	t.Run("Fetch with bearer token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"rules":[{"rule_id":"r1","name":"One","enabled":true}]}`))
		}))
		defer server.Close()

		rules, err := NewHTTPSource("siem", server.URL, "secret", nil).FetchRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.True(t, rules[0].Enabled)
		assert.Equal(t, "siem", rules[0].Platform)
	})

	t.Run("Server errors are transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := NewHTTPSource("siem", server.URL, "", server.Client()).FetchRules(ctx)
		assert.ErrorIs(t, err, helper.ErrTransient)
	})

	t.Run("Auth errors are not transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		_, err := NewHTTPSource("siem", server.URL, "", nil).FetchRules(ctx)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, helper.ErrTransient)
	})

	t.Run("Missing url is not configured", func(t *testing.T) {
		_, err := NewHTTPSource("siem", "", "", nil).FetchRules(ctx)
		assert.ErrorIs(t, err, helper.ErrNotConfigured)
	})
}
