package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCommitDiff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/web/commits/abc123", r.URL.Path)
		assert.Equal(t, "application/vnd.github.v3.diff", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, "diff --git a/x b/x\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	diff, err := client.GetCommitDiff(context.Background(), "acme", "web", "abc123")
	require.NoError(t, err)
	assert.Contains(t, diff, "diff --git")
}

func TestGetPullRequestDiff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/web/pulls/7", r.URL.Path)
		fmt.Fprint(w, "diff --git a/y b/y\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	diff, err := client.GetPullRequestDiff(context.Background(), "acme", "web", 7)
	require.NoError(t, err)
	assert.Contains(t, diff, "b/y")
}

func TestPostPullRequestComment(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/web/issues/7/comments", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	err := client.PostPullRequestComment(context.Background(), "acme", "web", 7, "looks good")
	require.NoError(t, err)
	assert.Equal(t, "looks good", gotBody["body"])
}

func TestRateLimitErrorCarriesReset(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset))
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	_, err := client.GetCommitDiff(context.Background(), "acme", "web", "abc")
	require.Error(t, err)

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, reset, rateErr.ResetAt.Unix())
}

func TestProviderErrorOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	_, err := client.GetCommitDiff(context.Background(), "acme", "web", "abc")
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusNotFound, perr.StatusCode)
}

func TestDefaultBaseURL(t *testing.T) {
	client := NewClient("", "tok")
	assert.Equal(t, "https://api.github.com", client.baseURL)
}
