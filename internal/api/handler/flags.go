package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flipflag/flipflag/internal/api/models"
	"github.com/flipflag/flipflag/internal/api/response"
	"github.com/flipflag/flipflag/internal/flag"
	"github.com/flipflag/flipflag/internal/offline"
)

// FlagsHandler handles flag evaluation endpoints.
type FlagsHandler struct {
	guard *offline.Guard
}

// NewFlagsHandler creates a new FlagsHandler.
func NewFlagsHandler(guard *offline.Guard) *FlagsHandler {
	return &FlagsHandler{guard: guard}
}

// GetFlag handles GET /v1/flags/{key} - evaluate a single flag.
// Evaluation is total: unknown or unreachable flags resolve to their
// stored value when one exists, and to false otherwise.
func (h *FlagsHandler) GetFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		response.NotFound(w, r, "flag key is required")
		return
	}

	enabled, restored := h.guard.Lookup(r.Context(), key)
	response.JSON(w, r, http.StatusOK, models.FlagState{
		Key:      key,
		Enabled:  enabled,
		Restored: restored,
	})
}

// ListFlags handles GET /v1/flags - evaluate every flag the upstream knows.
// Returns 503 when the delegate cannot enumerate its flags.
func (h *FlagsHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.guard.Unwrap().(flag.Lister)
	if !ok {
		response.ServiceUnavailable(w, r, "upstream evaluator does not support listing flags")
		return
	}

	flags, err := lister.Flags(r.Context())
	if err != nil {
		response.ServiceUnavailable(w, r, "upstream evaluator is unreachable")
		return
	}

	keys := make([]string, 0, len(flags))
	for key := range flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	list := models.FlagList{
		Flags: make([]models.FlagState, 0, len(keys)),
		Time:  models.Timestamp(time.Now()),
	}
	for _, key := range keys {
		// Route each value through the guard so successful evaluations
		// are persisted alongside single-flag lookups.
		enabled, restored := h.guard.Lookup(r.Context(), key)
		list.Flags = append(list.Flags, models.FlagState{
			Key:      key,
			Enabled:  enabled,
			Restored: restored,
		})
	}

	response.JSON(w, r, http.StatusOK, list)
}
