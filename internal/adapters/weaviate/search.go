// Package weaviate scores supplier contract text against an SLA query with a
// nearText search over the SupplierContract class.
package weaviate

import (
	"context"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"aegis/internal/ports"
)

const ContractClass = "SupplierContract"

type Search struct {
	client *weaviate.Client
	class  string
}

var _ ports.SemanticSLASearch = (*Search)(nil)

// New accepts a host with or without an http(s):// prefix.
func New(rawURL string) (*Search, error) {
	cfg := weaviate.Config{Host: rawURL, Scheme: "http"}
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		cfg.Scheme, cfg.Host = "https", strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		cfg.Host = strings.TrimPrefix(rawURL, "http://")
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &Search{client: client, class: ContractClass}, nil
}

// SimilarContracts returns the raw certainty of each matching supplier.
func (s *Search) SimilarContracts(ctx context.Context, query string, limit int) (map[string]float64, error) {
	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	result, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(
			graphql.Field{Name: "location_id"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}

	out := make(map[string]float64)
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return out, nil
	}
	objects, ok := data[s.class].([]interface{})
	if !ok {
		return out, nil
	}
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["location_id"].(string)
		if id == "" {
			continue
		}
		additional, _ := m["_additional"].(map[string]interface{})
		certainty, ok := additional["certainty"].(float64)
		if !ok {
			continue
		}
		if prev, seen := out[id]; !seen || certainty > prev {
			out[id] = certainty
		}
	}
	return out, nil
}
