package tardis

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sectionMap flattens a config section into a plain map so go-cmp can
// produce a readable structural diff instead of a single bool/string.
func sectionMap(cfg *Config, section string) map[string]string {
	out := map[string]string{}
	for _, key := range cfg.Keys(section) {
		out[key] = cfg.MustGet(section, key)
	}
	return out
}

func TestParseConfig_SectionsAndDefault(t *testing.T) {
	input := `
key0 = defaultvalue

[client]
host = myhost
# a comment
; also a comment
port = "25"

[server]
base = /backups
bytebuffer = 200M
`
	cfg, err := ParseConfig(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, "defaultvalue", cfg.MustGet(DefaultSection, "key0"))
	assert.Equal(t, "myhost", cfg.MustGet("client", "host"))
	assert.Equal(t, "25", cfg.MustGet("client", "port"))
	assert.Equal(t, "/backups", cfg.MustGet("server", "base"))
	assert.Equal(t, "200M", cfg.MustGet("server", "bytebuffer"))
}

func TestParseConfig_TrailingCommentOnBareValue(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader("[a]\nkey = value # trailing comment\n"))
	require.NoError(t, err)
	assert.Equal(t, "value", cfg.MustGet("a", "key"))
}

func TestParseConfig_QuotedValueCommentCharsNotTerminators(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(`[a]
key = "value # not a comment; still inside"
`))
	require.NoError(t, err)
	assert.Equal(t, "value # not a comment; still inside", cfg.MustGet("a", "key"))
}

func TestParseConfig_SyntaxError(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("[a]\nthis is not valid\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestParseConfig_VariableSubstitution(t *testing.T) {
	input := `[paths]
base = /backups

[client]
target = ${paths,base}/tree0
missing = ${paths,nosuchkey}
unresolved_nested = ${paths,indirect}

[paths2]
indirect = ${paths,base}
`
	cfg, err := ParseConfig(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, "/backups/tree0", cfg.MustGet("client", "target"))
	assert.Equal(t, "", cfg.MustGet("client", "missing"))
}

func TestLoadConfig_RejectsLooseMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg")
	require.NoError(t, os.WriteFile(path, []byte("[a]\nkey = \"v\"\n"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)

	var terr *Error
	require.True(t, as(err, &terr))
	assert.Equal(t, KindPermission, terr.Kind)
}

func TestLoadConfig_AcceptsStrictMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg")
	require.NoError(t, os.WriteFile(path, []byte("[a]\nkey = \"v\"\n"), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "v", cfg.MustGet("a", "key"))
}

func TestConfig_WriteRoundTrips(t *testing.T) {
	input := `[b]
key2 = "two"

[a]
key1 = "one"
`
	cfg, err := ParseConfig(strings.NewReader(input))
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	require.NoError(t, cfg.SaveAs(path))

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "one", reloaded.MustGet("a", "key1"))
	assert.Equal(t, "two", reloaded.MustGet("b", "key2"))

	if diff := cmp.Diff(sectionMap(cfg, "a"), sectionMap(reloaded, "a")); diff != "" {
		t.Errorf("section [a] changed across save/load round-trip:\n%s", diff)
	}
	if diff := cmp.Diff(sectionMap(cfg, "b"), sectionMap(reloaded, "b")); diff != "" {
		t.Errorf("section [b] changed across save/load round-trip:\n%s", diff)
	}
}

func TestConfig_WriteSkipsSections(t *testing.T) {
	cfg := NewConfig()
	cfg.Set("keep", "k", "v")
	cfg.Set("drop", "k", "v")

	var buf strings.Builder
	require.NoError(t, cfg.Write(&buf, map[string]bool{"drop": true}, true))

	out := buf.String()
	assert.Contains(t, out, "[keep]")
	assert.NotContains(t, out, "[drop]")
}

func TestConfig_WriteGatedByModifiedFlag(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader("[a]\nkey = \"v\"\n"))
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, cfg.Write(&buf, nil, false))
	assert.Empty(t, buf.String(), "unmodified config should not write unless forced")

	cfg.Set("a", "key2", "v2")
	buf.Reset()
	require.NoError(t, cfg.Write(&buf, nil, false))
	assert.NotEmpty(t, buf.String())
}
