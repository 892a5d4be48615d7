package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/autostart"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/host"
)

const declarations = `
autostart: new-and-outdated
cache:
  path: ":memory:"
collections:
  - id: user
    scope: profile
    servers:
      - id: files
        label: Files
        command: mcp-server-that-does-not-exist
      - id: docs
        label: Files
        url: http://127.0.0.1:1/mcp
`

// useConfig points the package-level flags at a fresh declarations file.
func useConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcphost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	prevPath, prevLogger, prevJSON, prevTrust := configPath, logger, listJSON, trustAll
	configPath = path
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t.Cleanup(func() {
		configPath, logger, listJSON, trustAll = prevPath, prevLogger, prevJSON, prevTrust
	})
}

func TestLoadConfigPolicyOverride(t *testing.T) {
	useConfig(t, declarations)

	_, policy, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, autostart.PolicyNewAndOutdated, policy)

	_, policy, err = loadConfig("only-new")
	require.NoError(t, err)
	assert.Equal(t, autostart.PolicyOnlyNew, policy)

	_, _, err = loadConfig("sometimes")
	assert.Error(t, err)
}

func TestListPrintsPrefixesWithoutStarting(t *testing.T) {
	useConfig(t, declarations)
	listJSON = true

	var out bytes.Buffer
	require.NoError(t, runList(context.Background(), &out))

	var st host.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Equal(t, "new-and-outdated", st.Policy)
	require.Len(t, st.Servers, 2)
	prefixes := map[string]bool{}
	for _, s := range st.Servers {
		assert.Equal(t, "stopped", s.State)
		assert.Equal(t, "unknown", s.Cache)
		prefixes[s.Prefix] = true
	}
	assert.Len(t, prefixes, 2, "servers with the same label get distinct prefixes")
}

func TestListTable(t *testing.T) {
	useConfig(t, declarations)

	var out bytes.Buffer
	require.NoError(t, runList(context.Background(), &out))
	assert.Contains(t, out.String(), "PREFIX")
	assert.Contains(t, out.String(), "mcp_files_")
	assert.Contains(t, out.String(), "autostart policy: new-and-outdated")
}

func TestAutostartReportsUntrustedServers(t *testing.T) {
	useConfig(t, declarations)

	var out bytes.Buffer
	require.NoError(t, runAutostart(context.Background(), &out))
	assert.Contains(t, out.String(), "servers requiring interaction:")
	assert.Contains(t, out.String(), "user/files (Files)")
	assert.Contains(t, out.String(), "user/docs (Files)")
	assert.Contains(t, out.String(), "[done]")
}

func TestStaticTokenVerifier(t *testing.T) {
	t.Parallel()

	verify := staticTokenVerifier("s3cret")
	info, err := verify(context.Background(), "s3cret", nil)
	require.NoError(t, err)
	assert.False(t, info.Expiration.IsZero())

	_, err = verify(context.Background(), "guess", nil)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
