package drbdadm

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBin writes an executable shell script standing in for drbdadm/drbdsetup
// and returns its path; stdout is scripted, exit status is controlled by ok.
func fakeBin(t *testing.T, name string, ok bool, stdout string) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("shells out to a #!/bin/sh script")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, name)
	exit := "0"
	if !ok {
		exit = "1"
	}
	script := "#!/bin/sh\necho '" + stdout + "'\nexit " + exit + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestAdjust(t *testing.T) {
	tools := Tools{DrbdadmPath: fakeBin(t, "drbdadm", true, "")}
	err := tools.Adjust(context.Background(), "res0")
	assert.NoError(t, err)
}

func TestAdjustFailurePropagatesOutput(t *testing.T) {
	tools := Tools{DrbdadmPath: fakeBin(t, "drbdadm", false, "adjust failed: config error")}
	err := tools.Adjust(context.Background(), "res0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adjust failed: config error")
}

func TestPrimaryForce(t *testing.T) {
	tools := Tools{DrbdadmPath: fakeBin(t, "drbdadm", true, "")}
	assert.NoError(t, tools.Primary(context.Background(), "res0", true))
	assert.NoError(t, tools.Primary(context.Background(), "res0", false))
}

func TestSecondaryForceUsesDrbdsetup(t *testing.T) {
	tools := Tools{
		DrbdadmPath:   fakeBin(t, "drbdadm", false, "should not be called for force"),
		DrbdsetupPath: fakeBin(t, "drbdsetup", true, ""),
	}
	assert.NoError(t, tools.Secondary(context.Background(), "res0", true))
}

func TestSecondaryNonForceUsesDrbdadm(t *testing.T) {
	tools := Tools{
		DrbdadmPath:   fakeBin(t, "drbdadm", true, ""),
		DrbdsetupPath: fakeBin(t, "drbdsetup", false, "should not be called without force"),
	}
	assert.NoError(t, tools.Secondary(context.Background(), "res0", false))
}

func TestStatusReturnsOutput(t *testing.T) {
	tools := Tools{DrbdsetupPath: fakeBin(t, "drbdsetup", true, `[{"name":"res0"}]`)}
	out, err := tools.Status(context.Background(), "res0")
	require.NoError(t, err)
	assert.Contains(t, string(out), "res0")
}

func TestDefaultToolPaths(t *testing.T) {
	var tools Tools
	assert.Equal(t, "drbdadm", tools.drbdadm())
	assert.Equal(t, "drbdsetup", tools.drbdsetup())
}
