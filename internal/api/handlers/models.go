package handlers

import (
	"net/http"

	"github.com/pysugar/oauth-ai-gateway/internal/catalog"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
)

// openAIModel is the OpenAI-compatible model entry shape.
type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// OpenAIModelsListHandler serves the merged visible catalog of every
// provider in OpenAI list format for API clients.
func OpenAIModelsListHandler(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var data []openAIModel
		for _, name := range provider.All() {
			for _, m := range cat.Visible(name) {
				data = append(data, openAIModel{
					ID:      m.ID,
					Object:  "model",
					OwnedBy: string(name),
				})
			}
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}
