package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/capnp/rpc"
	"github.com/outofforest/capnp/rpc/transport"
)

func TestEmptyDocumentGivesDefaults(t *testing.T) {
	requireT := require.New(t)

	cfg, err := Parse("")
	requireT.NoError(err)
	requireT.Equal(Default(), cfg)
}

func TestParseOverridesDefinedKeys(t *testing.T) {
	requireT := require.New(t)

	cfg, err := Parse(`
[read]
traversal_limit = 1024

[stream]
packed = true

[rpc]
abort_timeout = "2s"
max_questions = 16
`)
	requireT.NoError(err)

	expected := Default()
	expected.Read.TraversalLimit = 1024
	expected.Stream.Packed = true
	expected.RPC.AbortTimeout = 2 * time.Second
	expected.RPC.MaxQuestions = 16
	requireT.Empty(cmp.Diff(expected, cfg))

	requireT.EqualValues(1024, cfg.ReaderOptions().TraversalLimit)
	requireT.Equal(cfg.ReaderOptions(), cfg.StreamLimits().Reader)
	requireT.Equal(rpc.Options{AbortTimeout: 2 * time.Second, MaxQuestions: 16}, cfg.RPCOptions())
	requireT.Equal(transport.Options{Packed: true, Limits: cfg.StreamLimits()}, cfg.TransportOptions())
}

func TestInvalidValues(t *testing.T) {
	for name, doc := range map[string]string{
		"zero traversal limit": "[read]\ntraversal_limit = 0",
		"zero depth limit":     "[read]\ndepth_limit = 0",
		"zero segments":        "[stream]\nmax_segments = 0",
		"zero message size":    "[stream]\nmax_message_size = 0",
		"bad duration":         "[rpc]\nabort_timeout = \"soon\"",
		"negative duration":    "[rpc]\nabort_timeout = \"-1s\"",
		"negative questions":   "[rpc]\nmax_questions = -1",
		"unknown key":          "[rpc]\nretries = 3",
		"broken toml":          "[rpc",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(doc)
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "capnp.toml")
	requireT.NoError(os.WriteFile(path, []byte("[stream]\nmax_segments = 8\n"), 0o600))

	cfg, err := Load(path)
	requireT.NoError(err)
	requireT.EqualValues(8, cfg.Stream.MaxSegments)
	requireT.Equal(Default().Stream.MaxMessageSize, cfg.Stream.MaxMessageSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	requireT.Error(err)
}
