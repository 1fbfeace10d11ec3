package ct

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, metadata codelistMetadataResponse, members codelistMembersResponse) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/codelists/RACE/members", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(members)
	})
	mux.HandleFunc("/codelists/RACE", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(metadata)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolver_FetchCodelist(t *testing.T) {
	t.Run("Should fetch codelist metadata from the vocabulary service", func(t *testing.T) {
		srv := newTestServer(t, codelistMetadataResponse{
			Name:            "Race",
			ExtensibleList:  false,
			SubmissionValue: []string{"WHITE", "BLACK OR AFRICAN AMERICAN"},
		}, codelistMembersResponse{})
		r := NewResolver(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, RetryBudget: 1})

		cl, err := r.FetchCodelist(context.Background(), "RACE")
		require.NoError(t, err)
		assert.Equal(t, "Race", cl.Name)
		assert.False(t, cl.Extensible)
		assert.Contains(t, cl.SubmissionValues, "WHITE")
	})
}

func TestResolver_IsApprovedValue(t *testing.T) {
	meta := codelistMetadataResponse{Name: "Race", ExtensibleList: false, SubmissionValue: []string{"WHITE"}}
	members := codelistMembersResponse{}
	members.Members = append(members.Members, struct {
		SubmissionValue string   `json:"submission_value"`
		Synonyms        []string `json:"synonyms"`
		Source          string   `json:"source"`
	}{SubmissionValue: "WHITE", Synonyms: []string{"CAUCASIAN"}, Source: "standard"})

	t.Run("Should approve an exact submission value", func(t *testing.T) {
		srv := newTestServer(t, meta, members)
		r := NewResolver(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, RetryBudget: 1})
		ok, err := r.IsApprovedValue(context.Background(), "RACE", "WHITE")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should approve a service synonym", func(t *testing.T) {
		srv := newTestServer(t, meta, members)
		r := NewResolver(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, RetryBudget: 1})
		ok, err := r.IsApprovedValue(context.Background(), "RACE", "CAUCASIAN")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should approve an overlay synonym when the service lacks it", func(t *testing.T) {
		srv := newTestServer(t, meta, members)
		r := NewResolver(Options{
			BaseURL: srv.URL, Timeout: 2 * time.Second, RetryBudget: 1,
			Overlay: Overlay{Synonyms: map[string]map[string]string{"RACE": {"WHT": "WHITE"}}},
		})
		ok, err := r.IsApprovedValue(context.Background(), "RACE", "WHT")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should leave an unknown value unresolved against a non-extensible codelist", func(t *testing.T) {
		srv := newTestServer(t, meta, members)
		r := NewResolver(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, RetryBudget: 1})
		ok, err := r.IsApprovedValue(context.Background(), "RACE", "MARTIAN")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Should accept an unknown value against an extensible codelist", func(t *testing.T) {
		extMeta := meta
		extMeta.ExtensibleList = true
		srv := newTestServer(t, extMeta, members)
		r := NewResolver(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, RetryBudget: 1})
		ok, err := r.IsApprovedValue(context.Background(), "RACE", "SOME SPONSOR TERM")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestResolver_SynonymMap(t *testing.T) {
	t.Run("Should fall back to overlay only when the service is unreachable", func(t *testing.T) {
		r := NewResolver(Options{
			BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond, RetryBudget: 1,
			Overlay: Overlay{Synonyms: map[string]map[string]string{"RACE": {"WHT": "WHITE"}}},
		})
		syn, err := r.SynonymMap(context.Background(), "RACE")
		require.NoError(t, err)
		assert.Equal(t, "WHITE", syn["WHT"])
	})
}
