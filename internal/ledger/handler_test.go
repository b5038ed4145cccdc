package ledger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

func newTestRouter(repo *memoryRepo, chunk int) http.Handler {
	svc := NewService(repo, nil, nil, shared.AllowAll{}, nil, ServiceConfig{BatchChunk: chunk})
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc)
	router := chi.NewRouter()
	router.Route("/ledger", h.MountRoutes)
	return router
}

func postJSON(t *testing.T, router http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	router.ServeHTTP(rec, req)
	return rec
}

func TestBulkAdjustmentResponseKeepsCommittedPostings(t *testing.T) {
	repo := newMemoryRepo()
	repo.failUpsertFor = 9
	router := newTestRouter(repo, 2)

	rec := postJSON(t, router, "/ledger/adjustments/bulk", map[string]any{
		"items": []map[string]any{
			{"product_id": 1, "qty": 5, "unit_cost": 10},
			{"product_id": 2, "qty": 5, "unit_cost": 10},
			{"product_id": 9, "qty": 5, "unit_cost": 10},
		},
	})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp struct {
		Status   int               `json:"status"`
		Title    string            `json:"title"`
		Postings []postingResponse `json:"postings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, http.StatusInternalServerError, resp.Status)

	// the first chunk committed before the failure and must be reported
	require.Len(t, resp.Postings, 2)
	require.Equal(t, int64(1), resp.Postings[0].ProductID)
	require.Equal(t, int64(2), resp.Postings[1].ProductID)
	require.Len(t, repo.movements, 2)
}

func TestBulkAdjustmentAllCommitted(t *testing.T) {
	repo := newMemoryRepo()
	router := newTestRouter(repo, 2)

	rec := postJSON(t, router, "/ledger/adjustments/bulk", map[string]any{
		"items": []map[string]any{
			{"product_id": 1, "qty": 5, "unit_cost": 10},
			{"product_id": 2, "qty": -2, "unit_cost": 0},
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Postings []postingResponse `json:"postings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Postings, 2)
}
