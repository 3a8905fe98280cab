package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitIdentifier(t *testing.T) {
	module, name, ok := splitIdentifier("mymodule:myfunc")
	require.True(t, ok)
	assert.Equal(t, "mymodule", module)
	assert.Equal(t, "myfunc", name)

	_, _, ok = splitIdentifier("no-colon-here")
	assert.False(t, ok)
}

func TestDecodeBytesFromBase64String(t *testing.T) {
	// "hello" base64-encoded, as JSON round-tripping a []byte would produce.
	out, err := decodeBytes("aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestDecodeBytesFromRawBytes(t *testing.T) {
	out, err := decodeBytes([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestDecodeBytesRejectsOtherTypes(t *testing.T) {
	_, err := decodeBytes(42)
	assert.Error(t, err)
}

func TestResolveDynamicRejectsMalformedIdentifier(t *testing.T) {
	da := NewDynamicAgent(t.TempDir())
	_, err := da.resolveDynamic("no-colon")
	assert.Error(t, err)
}

func TestResolveDynamicMissingModule(t *testing.T) {
	da := NewDynamicAgent(t.TempDir())
	_, err := da.resolveDynamic("missing:fn")
	assert.Error(t, err)
}

func TestAdminCleanCacheResetsFunctionStore(t *testing.T) {
	da := NewDynamicAgent(t.TempDir())
	da.Register("leftover", nil)

	fn, err := da.Resolve("_adm_clean_cache")
	require.NoError(t, err)
	_, err = fn(nil, nil)
	require.NoError(t, err)

	_, err = da.Resolve("leftover")
	assert.Error(t, err)

	// admin identifiers survive the reset
	_, err = da.Resolve("_adm_cpu_count")
	assert.NoError(t, err)
}
