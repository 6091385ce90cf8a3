package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseEmptyGivesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
data_dir: /var/lib/librarian
backend: badger
pruning: true
sync:
  fragment_limit: 8
remote:
  kind: gcs
  bucket: shelf
  prefix: accounts
log:
  format: json
  file: /var/log/librarian.log
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/librarian", cfg.DataDir)
	assert.Equal(t, BackendBadger, cfg.Backend)
	assert.True(t, cfg.Pruning)
	assert.Equal(t, 8, cfg.Sync.FragmentLimit)
	assert.Equal(t, 6, cfg.Sync.DownloadConcurrency, "unset fields keep their default")
	assert.Equal(t, RemoteGCS, cfg.Remote.Kind)
	assert.Equal(t, "shelf", cfg.Remote.Bucket)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "data_dirs: /tmp\n"},
		{"unknown backend", "backend: postgres\n"},
		{"gcs without bucket", "remote:\n  kind: gcs\n"},
		{"zero fragment limit", "sync:\n  fragment_limit: 0\n"},
		{"too much concurrency", "sync:\n  download_concurrency: 500\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"empty data dir", "data_dir: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidationErrorsAreInspectable(t *testing.T) {
	_, err := Parse([]byte("backend: postgres\n"))
	require.Error(t, err)

	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "Backend", verrs[0].Field())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "librarian.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: books\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "books", cfg.DataDir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
