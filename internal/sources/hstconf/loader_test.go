package hstconf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Setenv("EXAMPLE_SITE", "/example")

	for _, file := range []string{"example.yaml", "example.toml"} {
		t.Run(file, func(t *testing.T) {
			cfg, err := NewLoader(filepath.Join("testdata", file)).Load()
			require.NoError(t, err)

			assert.Equal(t, "localhost", cfg.Hosts.DefaultHostName)
			require.NotNil(t, cfg.Hosts.ShowPort)
			assert.False(t, *cfg.Hosts.ShowPort)
			assert.Equal(t, []string{"/static"}, cfg.Hosts.PrefixExclusions)

			require.Len(t, cfg.Hosts.Groups, 1)
			hosts := cfg.Hosts.Groups[0].Hosts
			require.Len(t, hosts, 2)

			org := hosts[0]
			assert.Equal(t, "example.org", org.Name)
			assert.Equal(t, []string{"/news/* --> /news/${1}"}, org.Mappings, "mapping placeholders are not expanded")
			require.NotNil(t, org.Mount)
			assert.Equal(t, "/example", *org.Mount.MountPath)
			require.Len(t, org.Mount.Mounts, 1)
			assert.True(t, *org.Mount.Mounts[0].Preview)
			require.Len(t, org.Hosts, 1)
			assert.Equal(t, "www", org.Hosts[0].Name)

			local := hosts[1]
			require.NotNil(t, local.Port)
			assert.Equal(t, 8080, *local.Port)
			assert.Equal(t, "/example", *local.Mount.MountPath)

			require.Len(t, cfg.Sites, 2)
			assert.Equal(t, "example", cfg.Sites[0].Channel)
		})
	}
}

func TestLoaderLoadFileNotFound(t *testing.T) {
	_, err := NewLoader("/nonexistent/path/hst.yaml").Load()
	assert.Error(t, err)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{"yaml", FormatYAML, "hosts:\n  defaultHost: localhost\n"},
		{"toml", FormatTOML, "[hosts]\ndefaultHost = \"localhost\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.format)
			assert.Error(t, err)
		})
	}
}

func TestParseEmptyFile(t *testing.T) {
	cfg, err := Parse(nil, FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, cfg.Hosts.Groups)
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatTOML, FormatOf("/etc/hstroute/hst.TOML"))
	assert.Equal(t, FormatYAML, FormatOf("hst.yml"))
	assert.Equal(t, FormatYAML, FormatOf("hst"))
}

func TestExpandEnv(t *testing.T) {
	env := map[string]string{"SITE": "/example", "PORT": "8443"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single variable", "mountPath: ${SITE}", "mountPath: /example"},
		{"several variables", "${SITE}:${PORT}", "/example:8443"},
		{"unset variable", "scheme: ${SCHEME}", "scheme: "},
		{"mapping placeholder", "/a/* --> /b/${1}", "/a/* --> /b/${1}"},
		{"no variables", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(expandEnv([]byte(tt.input), lookup)))
		})
	}
}

func TestLoaderExpandsEnvironment(t *testing.T) {
	t.Setenv("HSTCONF_TEST_HOST", "env.example.org")
	path := filepath.Join(t.TempDir(), "hst.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hosts:\n  defaultHostName: ${HSTCONF_TEST_HOST}\n"), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "env.example.org", cfg.Hosts.DefaultHostName)
}
