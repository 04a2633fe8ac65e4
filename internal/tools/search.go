package tools

import (
	"context"

	"github.com/kalambet/attache/internal/retrieval"
)

const SearchContext = "search_context"

// Retriever is the retrieval.Index query surface.
type Retriever interface {
	Query(ctx context.Context, owner, text string, opts retrieval.QueryOptions) ([]retrieval.Hit, error)
}

type searchArgs struct {
	Query   string   `json:"query"`
	Sources []string `json:"sources,omitempty" jsonschema_description:"Restrict to these sources, e.g. mail, calendar, crm, doc"`
	Limit   int      `json:"limit,omitempty" jsonschema:"minimum=1,maximum=20"`
}

// SearchTool lets the model look up more of the user's stored content than
// the grounding snippets it was given.
func SearchTool(r Retriever, minSimilarity float32) *Tool {
	return New(SearchContext,
		"Search the user's stored mail, calendar, CRM and documents for passages similar to the query.",
		func(ctx context.Context, owner string, a searchArgs) (any, error) {
			hits, err := r.Query(ctx, owner, a.Query, retrieval.QueryOptions{
				K:             a.Limit,
				Sources:       a.Sources,
				MinSimilarity: minSimilarity,
			})
			if err != nil {
				return nil, err
			}
			if len(hits) == 0 {
				return "no matching content", nil
			}
			return hits, nil
		})
}
