package httpapi

import (
	"net/http"

	"llm_access/internal/billing"
	"llm_access/internal/utils"
)

// ModelsResponse is the OpenAI-style model list
type ModelsResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelEntry describes one accepted model and its margin-inclusive price
type ModelEntry struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	OwnedBy string            `json:"owned_by"`
	Pricing billing.ListPrice `json:"pricing"`
}

// handleListModels lists the models chat completions accept
func (d *Dependencies) handleListModels(w http.ResponseWriter, r *http.Request) {
	names := d.Pricing.Models()
	resp := ModelsResponse{Object: "list", Data: make([]ModelEntry, 0, len(names))}
	for _, name := range names {
		price, _ := d.Pricing.Price(name)
		resp.Data = append(resp.Data, ModelEntry{ID: name, Object: "model", OwnedBy: "llm-access", Pricing: price})
	}

	utils.RespondWithJSON(w, http.StatusOK, resp)
}
