package hunt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

const defaultElasticSize = 500

// ElasticFieldMap names the dotted document fields a hit is read from
type ElasticFieldMap struct {
	Timestamp   string `mapstructure:"timestamp"`
	Host        string `mapstructure:"host"`
	User        string `mapstructure:"user"`
	Process     string `mapstructure:"process"`
	CommandLine string `mapstructure:"command_line"`
	Sender      string `mapstructure:"sender"`
	Subject     string `mapstructure:"subject"`
	ThreatName  string `mapstructure:"threat_name"`
	Action      string `mapstructure:"action"`
}

// DefaultElasticFieldMap follows the Elastic Common Schema
func DefaultElasticFieldMap() ElasticFieldMap {
	return ElasticFieldMap{
		Timestamp:   "@timestamp",
		Host:        "host.name",
		User:        "user.name",
		Process:     "process.name",
		CommandLine: "process.command_line",
		Sender:      "email.from.address",
		Subject:     "email.subject",
		ThreatName:  "threat.indicator.name",
		Action:      "event.action",
	}
}

// ElasticSourceConfig configures an ElasticSource
type ElasticSourceConfig struct {
	Name  string           `mapstructure:"name"`
	Kind  model.SourceKind `mapstructure:"kind"`
	Index string           `mapstructure:"index"`
	// Fields lists the document fields searched per IOC type.
	// Types without fields are not supported by the source.
	Fields   map[model.IOCType][]string `mapstructure:"fields"`
	FieldMap ElasticFieldMap            `mapstructure:"field_map"`
	Size     int                        `mapstructure:"size"`
}

// ElasticSource searches an Elasticsearch index with one terms query per IOC type
type ElasticSource struct {
	client *elasticsearch.Client
	config ElasticSourceConfig
}

// NewElasticClient creates an Elasticsearch client. apiKey takes precedence over basic auth.
func NewElasticClient(addresses []string, apiKey, username, password string) (*elasticsearch.Client, error) {
	if len(addresses) == 0 {
		return nil, helper.NewError("elasticsearch client", fmt.Errorf("%w: no addresses", helper.ErrNotConfigured))
	}
	config := elasticsearch.Config{Addresses: addresses}
	if apiKey != "" {
		config.APIKey = apiKey
	} else {
		config.Username = username
		config.Password = password
	}
	client, err := elasticsearch.NewClient(config)
	if err != nil {
		return nil, helper.NewError("elasticsearch client", err)
	}
	return client, nil
}

// NewElasticSource creates an ElasticSource. Empty field map entries fall back to the defaults.
func NewElasticSource(client *elasticsearch.Client, config ElasticSourceConfig) (*ElasticSource, error) {
	if client == nil {
		return nil, helper.NewError("elastic source", fmt.Errorf("%w: client is nil", helper.ErrNotConfigured))
	}
	if config.Name == "" || config.Index == "" {
		return nil, helper.NewError("elastic source", fmt.Errorf("name and index are required"))
	}
	if config.Kind == "" {
		config.Kind = model.SourceKindSIEM
	}
	if config.Size <= 0 {
		config.Size = defaultElasticSize
	}
	config.FieldMap = withDefaults(config.FieldMap, DefaultElasticFieldMap())
	return &ElasticSource{client: client, config: config}, nil
}

func withDefaults(m, defaults ElasticFieldMap) ElasticFieldMap {
	pick := func(value, fallback string) string {
		if value == "" {
			return fallback
		}
		return value
	}
	return ElasticFieldMap{
		Timestamp:   pick(m.Timestamp, defaults.Timestamp),
		Host:        pick(m.Host, defaults.Host),
		User:        pick(m.User, defaults.User),
		Process:     pick(m.Process, defaults.Process),
		CommandLine: pick(m.CommandLine, defaults.CommandLine),
		Sender:      pick(m.Sender, defaults.Sender),
		Subject:     pick(m.Subject, defaults.Subject),
		ThreatName:  pick(m.ThreatName, defaults.ThreatName),
		Action:      pick(m.Action, defaults.Action),
	}
}

func (s *ElasticSource) Name() string {
	return s.config.Name
}

func (s *ElasticSource) Kind() model.SourceKind {
	return s.config.Kind
}

func (s *ElasticSource) SupportedTypes() []model.IOCType {
	var types []model.IOCType
	for _, iocType := range model.IOCTypes {
		if len(s.config.Fields[iocType]) > 0 {
			types = append(types, iocType)
		}
	}
	return types
}

// Search runs a single terms query over all fields of iocType within window
func (s *ElasticSource) Search(ctx context.Context, iocType model.IOCType, values []string, window Window) ([]RawHit, error) {
	fields := s.config.Fields[iocType]
	if len(fields) == 0 || len(values) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(s.query(fields, values, window)); err != nil {
		return nil, helper.NewError("encode query", err)
	}

	size := s.config.Size
	req := esapi.SearchRequest{
		Index: []string{s.config.Index},
		Body:  &body,
		Size:  &size,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, helper.NewError("elasticsearch search", helper.Classify(helper.ErrTransient, err))
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		err := fmt.Errorf("search failed with status %s: %s", res.Status(), string(b))
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			err = helper.Classify(helper.ErrTransient, err)
		}
		return nil, helper.NewError("elasticsearch search", err)
	}

	var response struct {
		Hits struct {
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, helper.NewError("decode search response", err)
	}

	wanted := make(map[string]string, len(values))
	for _, value := range values {
		wanted[strings.ToLower(value)] = value
	}

	hits := make([]RawHit, 0, len(response.Hits.Hits))
	for _, doc := range response.Hits.Hits {
		for _, value := range matchedValues(doc.Source, fields, wanted) {
			hits = append(hits, s.rawHit(doc.Source, value))
		}
	}
	return hits, nil
}

func (s *ElasticSource) query(fields, values []string, window Window) map[string]interface{} {
	should := make([]interface{}, 0, len(fields))
	for _, field := range fields {
		should = append(should, map[string]interface{}{
			"terms": map[string]interface{}{field: values},
		})
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{
						"range": map[string]interface{}{
							s.config.FieldMap.Timestamp: map[string]interface{}{
								"gte": window.Start.UTC().Format(time.RFC3339),
								"lte": window.End.UTC().Format(time.RFC3339),
							},
						},
					},
				},
				"should":               should,
				"minimum_should_match": 1,
			},
		},
		"sort": []interface{}{
			map[string]interface{}{s.config.FieldMap.Timestamp: "desc"},
		},
	}
}

func (s *ElasticSource) rawHit(doc map[string]interface{}, value string) RawHit {
	fm := s.config.FieldMap
	return RawHit{
		Value:       value,
		Timestamp:   parseTimestamp(lookup(doc, fm.Timestamp)),
		Host:        stringValue(lookup(doc, fm.Host)),
		User:        stringValue(lookup(doc, fm.User)),
		Process:     stringValue(lookup(doc, fm.Process)),
		CommandLine: stringValue(lookup(doc, fm.CommandLine)),
		Sender:      stringValue(lookup(doc, fm.Sender)),
		Subject:     stringValue(lookup(doc, fm.Subject)),
		ThreatName:  stringValue(lookup(doc, fm.ThreatName)),
		Action:      stringValue(lookup(doc, fm.Action)),
	}
}

// matchedValues returns every distinct queried value found in fields.
// One event can match several hunted values, e.g. source and destination ip.
func matchedValues(doc map[string]interface{}, fields []string, wanted map[string]string) []string {
	var matched []string
	seen := make(map[string]bool)
	for _, field := range fields {
		for _, candidate := range stringValues(lookup(doc, field)) {
			value, ok := wanted[strings.ToLower(candidate)]
			if !ok || seen[value] {
				continue
			}
			seen[value] = true
			matched = append(matched, value)
		}
	}
	return matched
}

// lookup resolves a dotted path through nested objects.
// A flat key containing dots is tried first.
func lookup(doc map[string]interface{}, path string) interface{} {
	if path == "" || doc == nil {
		return nil
	}
	if value, ok := doc[path]; ok {
		return value
	}

	head, rest, found := strings.Cut(path, ".")
	for found {
		if nested, ok := doc[head].(map[string]interface{}); ok {
			if value := lookup(nested, rest); value != nil {
				return value
			}
		}
		var next string
		next, rest, found = strings.Cut(rest, ".")
		head = head + "." + next
	}
	return nil
}

func stringValue(value interface{}) string {
	values := stringValues(value)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func stringValues(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	default:
		return nil
	}
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds
func parseTimestamp(value interface{}) time.Time {
	switch v := value.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Time{}
}
