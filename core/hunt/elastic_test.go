package hunt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newElasticServer(t *testing.T, status int, response string, requests chan<- map[string]interface{}) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			body := map[string]interface{}{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			body["_path"] = r.URL.Path
			requests <- body
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestElasticSource(t *testing.T, url string) *ElasticSource {
	client, err := NewElasticClient([]string{url}, "", "", "")
	require.NoError(t, err)
	source, err := NewElasticSource(client, ElasticSourceConfig{
		Name:  "edr",
		Kind:  model.SourceKindEndpoint,
		Index: "logs-endpoint",
		Fields: map[model.IOCType][]string{
			model.IOCTypeIP:     {"destination.ip", "source.ip"},
			model.IOCTypeSHA256: {"file.hash.sha256"},
		},
	})
	require.NoError(t, err)
	return source
}

const elasticResponse = `{
	"took": 3,
	"timed_out": false,
	"hits": {
		"total": {"value": 3},
		"hits": [
			{"_source": {
				"@timestamp": "2026-09-01T10:00:00Z",
				"host": {"name": "ws-01"},
				"user.name": "alice",
				"process": {"name": "cmd.exe", "command_line": "/c ping"},
				"destination": {"ip": "185.141.25.20"}
			}},
			{"_source": {
				"@timestamp": 1788256800000,
				"host": {"name": "ws-02"},
				"source": {"ip": ["10.0.0.5", "185.141.25.20"]}
			}},
			{"_source": {"destination": {"ip": "10.0.0.1"}}}
		]
	}
}`

func TestElasticSource(t *testing.T) {
	ctx := context.Background()
	window := Window{Start: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)}

	t.Run("Supported types follow configured fields", func(t *testing.T) {
		source := newTestElasticSource(t, "http://localhost:9200")
		assert.Equal(t, []model.IOCType{model.IOCTypeIP, model.IOCTypeSHA256}, source.SupportedTypes())
		assert.Equal(t, "edr", source.Name())
		assert.Equal(t, model.SourceKindEndpoint, source.Kind())
	})

	t.Run("Terms query and hit normalization", func(t *testing.T) {
		requests := make(chan map[string]interface{}, 1)
		server := newElasticServer(t, http.StatusOK, elasticResponse, requests)
		source := newTestElasticSource(t, server.URL)

		hits, err := source.Search(ctx, model.IOCTypeIP, []string{"185.141.25.20", "91.92.109.14"}, window)
		require.NoError(t, err)
		require.Len(t, hits, 2)

		assert.Equal(t, "185.141.25.20", hits[0].Value)
		assert.Equal(t, time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC), hits[0].Timestamp)
		assert.Equal(t, "ws-01", hits[0].Host)
		assert.Equal(t, "alice", hits[0].User)
		assert.Equal(t, "cmd.exe", hits[0].Process)
		assert.Equal(t, "/c ping", hits[0].CommandLine)

		assert.Equal(t, "185.141.25.20", hits[1].Value)
		assert.Equal(t, time.UnixMilli(1788256800000).UTC(), hits[1].Timestamp)

		request := <-requests
		assert.Equal(t, "/logs-endpoint/_search", request["_path"])
		query, err := json.Marshal(request["query"])
		require.NoError(t, err)
		assert.Contains(t, string(query), `"terms":{"destination.ip":["185.141.25.20","91.92.109.14"]}`)
		assert.Contains(t, string(query), `"@timestamp":{"gte":"2026-08-01T00:00:00Z","lte":"2026-09-02T00:00:00Z"}`)
	})

	t.Run("Event matching several values credits each", func(t *testing.T) {
		server := newElasticServer(t, http.StatusOK, `{"hits": {"hits": [
			{"_source": {
				"@timestamp": "2026-09-01T10:00:00Z",
				"host": {"name": "fw-01"},
				"source": {"ip": "185.141.25.20"},
				"destination": {"ip": ["45.9.148.3", "185.141.25.20"]}
			}}
		]}}`, nil)
		source := newTestElasticSource(t, server.URL)

		hits, err := source.Search(ctx, model.IOCTypeIP, []string{"185.141.25.20", "45.9.148.3"}, window)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.ElementsMatch(t, []string{"185.141.25.20", "45.9.148.3"}, []string{hits[0].Value, hits[1].Value})
		assert.Equal(t, "fw-01", hits[0].Host)
		assert.Equal(t, "fw-01", hits[1].Host)

		hunter, err := NewHunter([]Source{source})
		require.NoError(t, err)
		result := hunter.Hunt(ctx, model.ExtractedEntities{IPs: []string{"185.141.25.20", "45.9.148.3"}}, model.HuntOptions{})
		assert.Equal(t, 2, result.TotalHits)
		for _, hit := range result.Hits {
			assert.Equal(t, 1, hit.HitCount, hit.Value)
		}
	})

	t.Run("Unsupported type is not queried", func(t *testing.T) {
		source := newTestElasticSource(t, "http://127.0.0.1:1")
		hits, err := source.Search(ctx, model.IOCTypeEmail, []string{"a@b.ru"}, window)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("Server errors are transient", func(t *testing.T) {
		server := newElasticServer(t, http.StatusServiceUnavailable, `{"error":"unavailable"}`, nil)
		source := newTestElasticSource(t, server.URL)

		_, err := source.Search(ctx, model.IOCTypeIP, []string{"185.141.25.20"}, window)
		assert.ErrorIs(t, err, helper.ErrTransient)
	})

	t.Run("Bad requests are not transient", func(t *testing.T) {
		server := newElasticServer(t, http.StatusBadRequest, `{"error":"parsing_exception"}`, nil)
		source := newTestElasticSource(t, server.URL)

		_, err := source.Search(ctx, model.IOCTypeIP, []string{"185.141.25.20"}, window)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, helper.ErrTransient)
	})

	t.Run("Works inside the hunter", func(t *testing.T) {
		server := newElasticServer(t, http.StatusOK, elasticResponse, nil)
		source := newTestElasticSource(t, server.URL)
		hunter, err := NewHunter([]Source{source})
		require.NoError(t, err)

		result := hunter.Hunt(ctx, model.ExtractedEntities{IPs: []string{"185.141.25.20"}}, model.HuntOptions{})
		require.Equal(t, 1, result.TotalHits)
		assert.Equal(t, 2, result.Hits[0].HitCount)
		assert.Equal(t, []string{"ws-01", "ws-02"}, result.Hits[0].Hosts)
		assert.Equal(t, []string{"cmd.exe: /c ping"}, result.Hits[0].Context)
	})
}

func TestNewElasticSource(t *testing.T) {
	t.Run("Missing addresses", func(t *testing.T) {
		_, err := NewElasticClient(nil, "", "", "")
		assert.ErrorIs(t, err, helper.ErrNotConfigured)
	})

	t.Run("Nil client", func(t *testing.T) {
		_, err := NewElasticSource(nil, ElasticSourceConfig{Name: "a", Index: "b"})
		assert.ErrorIs(t, err, helper.ErrNotConfigured)
	})

	t.Run("Defaults", func(t *testing.T) {
		client, err := NewElasticClient([]string{"http://localhost:9200"}, "key", "", "")
		require.NoError(t, err)
		source, err := NewElasticSource(client, ElasticSourceConfig{Name: "a", Index: "b", FieldMap: ElasticFieldMap{Host: "agent.hostname"}})
		require.NoError(t, err)
		assert.Equal(t, model.SourceKindSIEM, source.Kind())
		assert.Equal(t, "agent.hostname", source.config.FieldMap.Host)
		assert.Equal(t, "@timestamp", source.config.FieldMap.Timestamp)
		assert.Equal(t, defaultElasticSize, source.config.Size)
	})
}

func TestLookup(t *testing.T) {
	doc := map[string]interface{}{
		"a":     map[string]interface{}{"b": map[string]interface{}{"c": "nested"}},
		"x.y":   "flat",
		"m":     map[string]interface{}{"n.o": "mixed"},
		"count": float64(3),
	}
	assert.Equal(t, "nested", lookup(doc, "a.b.c"))
	assert.Equal(t, "flat", lookup(doc, "x.y"))
	assert.Equal(t, "mixed", lookup(doc, "m.n.o"))
	assert.Nil(t, lookup(doc, "a.b.missing"))
	assert.Equal(t, "3", stringValue(lookup(doc, "count")))
}
