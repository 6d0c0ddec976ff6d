package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultManifestIsValid(t *testing.T) {
	t.Parallel()

	m := Default()
	require.NoError(t, m.Validate())
	require.Equal(t, "Baker", m.Defaults.AgentName)
	require.Equal(t, "bakerst", m.Defaults.Namespace)

	img, ok := m.ImageFor("brain")
	require.True(t, ok)
	require.Equal(t, "bakerst-brain:latest", img)
	require.True(t, m.HasImage("ext-browser"))
	require.False(t, m.HasImage("missing"))
}

func TestValidateRejectsBadManifests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*ReleaseManifest)
	}{
		{name: "no images", mutate: func(m *ReleaseManifest) { m.Images = nil }},
		{name: "missing version", mutate: func(m *ReleaseManifest) { m.Version = "" }},
		{name: "duplicate component", mutate: func(m *ReleaseManifest) {
			m.Images = append(m.Images, m.Images[0])
		}},
		{name: "duplicate secret", mutate: func(m *ReleaseManifest) {
			m.RequiredSecrets = append(m.RequiredSecrets, m.RequiredSecrets[0])
		}},
		{name: "bad input type", mutate: func(m *ReleaseManifest) { m.RequiredSecrets[0].InputType = "checkbox" }},
		{name: "feature without id", mutate: func(m *ReleaseManifest) { m.OptionalFeatures[0].ID = "" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := Default()
			tt.mutate(m)
			var vErr ValidationError
			require.ErrorAs(t, m.Validate(), &vErr)
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	m := Default()
	c := m.Clone()
	c.Images[0].Image = "changed"
	c.OptionalFeatures[0].Secrets[0] = "changed"
	c.RequiredSecrets[0].TargetSecrets[0] = "changed"

	require.Equal(t, "bakerst-brain:latest", m.Images[0].Image)
	require.Equal(t, "TELEGRAM_BOT_TOKEN", m.OptionalFeatures[0].Secrets[0])
	require.Equal(t, "bakerst-brain-secrets", m.RequiredSecrets[0].TargetSecrets[0])
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Default())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	m, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, m.Images, 8)

	_, err = LoadFile("")
	var vErr ValidationError
	require.ErrorAs(t, err, &vErr)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = LoadFile(path)
	require.Error(t, err)
}

func TestFetchLatestRelease(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(Default())
	require.NoError(t, err)

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "bakerst-install" {
			http.Error(w, "missing user agent", http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/releases/latest", "/releases/tags/v1.2.3":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"assets": []map[string]string{
					{"name": "checksums.txt", "browser_download_url": server.URL + "/nope"},
					{"name": "release-manifest.json", "browser_download_url": server.URL + "/asset"},
				},
			})
		case "/asset":
			_, _ = w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	f := NewFetcher(WithReleasesURL(server.URL+"/releases"), WithHTTPClient(server.Client()))

	m, err := f.Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "local", m.Version)

	m, err = f.Fetch(context.Background(), "v1.2.3")
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestFetchOrDefaultFallsBack(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"assets": []any{}})
	}))
	t.Cleanup(server.Close)

	f := NewFetcher(WithReleasesURL(server.URL), WithHTTPClient(server.Client()))
	m, err := f.FetchOrDefault(context.Background(), "")
	require.Error(t, err)
	var fErr FetchError
	require.True(t, errors.As(err, &fErr))
	require.Equal(t, "Baker", m.Defaults.AgentName)
}
