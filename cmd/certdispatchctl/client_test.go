package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certdispatch/certdispatch/internal/api/models"
)

func TestAPIClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer op-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/admin/tokens":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(models.ListResponse[models.Token]{
				Items: []models.Token{{ID: "t1", Name: "edge"}},
				Count: 1,
			})
		case "/v1/admin/tokens/t1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"title":"Not Found","detail":"token not found"}`))
		}
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL+"/", "op-token")
	ctx := context.Background()

	var list models.ListResponse[models.Token]
	require.NoError(t, c.do(ctx, http.MethodGet, "/v1/admin/tokens", nil, &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "edge", list.Items[0].Name)

	assert.NoError(t, c.do(ctx, http.MethodDelete, "/v1/admin/tokens/t1", nil, &list))

	err := c.do(ctx, http.MethodGet, "/v1/admin/tokens/missing", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "token not found")
}
