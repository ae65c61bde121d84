package bountyhubsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotAuth = r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"id": "b1", "status": "open", "reward": 20000}}})
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1/")
	c.BearerToken = "tok"
	items, err := c.ListBounties(context.Background(), ListOptions{Status: "open", RewardMin: 150.5, Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int64(20000), items[0].Reward)
	require.Equal(t, "/v1/bounties", gotPath)
	require.Equal(t, "limit=10&reward_min=150.5&status=open", gotQuery)
	require.Equal(t, "Bearer tok", gotAuth)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"invalid_state","message":"bounty is not open","details":{"reason":"not_open"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	_, err := c.AssignBounty(context.Background(), "b1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "invalid_state", apiErr.Code)
	require.Equal(t, "not_open", apiErr.Reason)
}

func TestClientNoContent(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		require.Equal(t, "k", r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	require.NoError(t, c.DeleteBounty(context.Background(), "b1"))
	require.Equal(t, http.MethodDelete, method)
}
