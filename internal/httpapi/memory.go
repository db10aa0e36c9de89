package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nekota/device-manager/internal/observability"
	apperrors "github.com/nekota/device-manager/pkg/errors"
)

type saveMemoryRequest struct {
	Content string `json:"content"`
}

// handleSaveMemory always reports success once the body parses; tier
// failures are logged by the coordinator.
func (s *Server) handleSaveMemory(w http.ResponseWriter, r *http.Request) {
	var req saveMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid json body"))
		return
	}
	n := s.memory.Save(r.Context(), chi.URLParam(r, "deviceId"), req.Content)
	observability.RecordMemorySave(n)
	writeOK(w, nil)
}

func (s *Server) handleQueryMemory(w http.ResponseWriter, r *http.Request) {
	content, source := s.memory.Query(r.Context(), chi.URLParam(r, "deviceId"))
	observability.RecordMemoryQuery(source)
	writeOK(w, content)
}
