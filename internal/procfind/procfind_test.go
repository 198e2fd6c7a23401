package procfind

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDByNameFindsSelf(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	name := filepath.Base(exe)

	pid, err := PIDByName(name)
	require.NoError(t, err)
	// Another process may share the test binary's name; any live match
	// is acceptable, ours must at least be findable.
	assert.True(t, Exists(pid))
}

func TestPIDByNameCaseAndSuffix(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	name := filepath.Base(exe)

	upper, err := PIDByName(strings.ToUpper(name))
	require.NoError(t, err)
	assert.True(t, Exists(upper))

	withExe, err := PIDByName(name + ".exe")
	require.NoError(t, err)
	assert.True(t, Exists(withExe))
}

func TestPIDByNameNotFound(t *testing.T) {
	_, err := PIDByName("no-such-process-zq81")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExists(t *testing.T) {
	assert.True(t, Exists(uint32(os.Getpid())))
}
