package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmpulse/crm"
	"crmpulse/crm/amocrm"
)

// amoContactsServer pages total contacts the way amoCRM does: page numbers
// from 1, and 204 once the page is past the end.
func amoContactsServer(t *testing.T, total int, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/contacts" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(calls, 1)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		from := (page - 1) * limit
		if limit <= 0 || page <= 0 || from >= total {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		to := min(from+limit, total)
		contacts := make([]map[string]any, 0, to-from)
		for i := from; i < to; i++ {
			contacts = append(contacts, map[string]any{
				"id":   i + 1,
				"name": fmt.Sprintf("Contact %d", i+1),
				"custom_fields_values": []map[string]any{
					{"field_code": "EMAIL", "values": []map[string]any{{"value": fmt.Sprintf("c%d@example.com", i+1)}}},
				},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"_embedded": map[string]any{"contacts": contacts}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestImportContacts_AmoCRMShortLastPage(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		batch     int
		update    bool
		wantCalls int32
	}{
		{"short last page", 150, 100, false, 2},
		{"short last page on sync path", 150, 100, true, 2},
		{"exact multiple of batch", 200, 100, false, 3},
		{"single short page", 7, 100, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := amoContactsServer(t, tt.total, &calls)
			adapter, err := amocrm.New(crm.Credentials{AccountID: "acme", AccessToken: "tok"}, nil, amocrm.Options{
				BaseURL:           srv.URL,
				RequestsPerSecond: 100,
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = adapter.Close() })

			st := setupTestDB(t)
			opts := DefaultImportOptions(1)
			opts.BatchSize = tt.batch
			if tt.update {
				opts.SkipDuplicates = false
				opts.UpdateExisting = true
			}
			res := NewImportService(st, nil).ImportContacts(context.Background(), adapter, opts)

			assert.True(t, res.Success)
			assert.Equal(t, tt.total, res.Imported)
			assert.Equal(t, 0, res.Skipped)
			assert.Equal(t, 0, res.Failed)
			assert.Equal(t, tt.total, res.Imported+res.Skipped+res.Failed)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))

			last, err := st.FindContactByEmail(context.Background(), 1, fmt.Sprintf("c%d@example.com", tt.total))
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(tt.total), last.ExternalID)
		})
	}
}
