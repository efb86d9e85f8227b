package systemd

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSystemctl(t *testing.T, ok bool, stdout string) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("shells out to a #!/bin/sh script")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "systemctl")
	exit := "0"
	if !ok {
		exit = "1"
	}
	script := "#!/bin/sh\necho '" + stdout + "'\nexit " + exit + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestWriteDropInAtomic(t *testing.T) {
	dir := t.TempDir()
	err := WriteDropIn(dir, "drbd-promote@res0.service", "reactor", "[Service]\nExecStart=/bin/true\n")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "drbd-promote@res0.service.d", "reactor.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(content), dropInHeader)
	assert.Contains(t, string(content), "ExecStart=/bin/true")

	entries, err := os.ReadDir(filepath.Join(dir, "drbd-promote@res0.service.d"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files")
}

func TestWriteDropInOverwritesOnReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDropIn(dir, "unit.service", "reactor", "first"))
	require.NoError(t, WriteDropIn(dir, "unit.service", "reactor", "second"))

	content, err := os.ReadFile(filepath.Join(dir, "unit.service.d", "reactor.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "second")
	assert.NotContains(t, string(content), "first")
}

func TestUnitNameHelpers(t *testing.T) {
	assert.Equal(t, "drbd-promote@res0.service", PromoteUnitName("res0"))
	assert.Equal(t, "drbd-services@res0.target", ServicesTargetName("res0"))
	assert.Equal(t, "drbd-demote-or-escalate@res0.service", EscalationUnitName("res0"))
}

func TestMountUnitName(t *testing.T) {
	assert.Equal(t, "mnt-data.mount", MountUnitName("/mnt/data"))
	assert.Equal(t, "-.mount", MountUnitName("/"))
	assert.Equal(t, "-.mount", MountUnitName(""))
}

func TestEscapeName(t *testing.T) {
	assert.Equal(t, "res0", EscapeName("res0"))
	assert.Equal(t, `res\x2d1`, EscapeName("res-1"))
	assert.Equal(t, "a-b", EscapeName("a/b"), "'/' is translated to '-'")
	assert.Equal(t, `\x2efoo`, EscapeName(".foo"), "leading '.' is escaped")
	assert.Equal(t, "foo.bar", EscapeName("foo.bar"), "non-leading '.' passes through")
}

func TestOCFParseToEnv(t *testing.T) {
	name, env, err := OCFParseToEnv("res1", "vendor1", "agent1", "name1",
		`k1=v1 k2="with whitespace" k3=with\ different\ whitespace foo empty='' pass='*pass/'`)
	require.NoError(t, err)

	assert.Equal(t, "ocf.ra@name1_res1.service", name)
	assert.Equal(t, []string{
		"OCF_RESKEY_k1=v1",
		`OCF_RESKEY_k2=with\x20whitespace`,
		`OCF_RESKEY_k3=with\x20different\x20whitespace`,
		"OCF_RESKEY_foo=",
		"OCF_RESKEY_empty=",
		`OCF_RESKEY_pass=\x2apass/`,
		"AGENT=/usr/lib/ocf/resource.d/vendor1/agent1",
	}, env)
}

func TestOCFParseToEnvEscapesServiceName(t *testing.T) {
	name, _, err := OCFParseToEnv("res-1", "vendor1", "agent1", "name-1", "do not care")
	require.NoError(t, err)
	assert.Equal(t, `ocf.ra@name\x2d1_res\x2d1.service`, name)
}

func TestOCFParseToEnvRequiresInstanceName(t *testing.T) {
	_, _, err := OCFParseToEnv("res1", "vendor1", "agent1", "", "")
	assert.Error(t, err)
}

func TestOCFExecStartQuotesArgs(t *testing.T) {
	line := OCFExecStart("/usr/lib/ocf/resource.d/heartbeat/VirtualIP", "start",
		[]string{"ip=10.0.0.5", "cidr netmask=24"})
	assert.Contains(t, line, "ExecStart=")
	assert.Contains(t, line, "start")
	assert.Contains(t, line, "cidr netmask=24")
}

func TestParseOCFArgsTokenizesLikeAShell(t *testing.T) {
	tokens, err := ParseOCFArgs(`ip=10.0.0.5 cidr_netmask=24 nic="eth0"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"ip=10.0.0.5", "cidr_netmask=24", "nic=eth0"}, tokens)
}

func TestParseOCFArgsRejectsUnbalancedQuotes(t *testing.T) {
	_, err := ParseOCFArgs(`ip="unterminated`)
	assert.Error(t, err)
}

func TestSystemctlStartStop(t *testing.T) {
	s := Systemctl{Path: fakeSystemctl(t, true, "active")}
	assert.NoError(t, s.Start(context.Background(), "res0.service"))
	assert.NoError(t, s.Stop(context.Background(), "res0.service"))
	assert.NoError(t, s.Freeze(context.Background(), "res0.service"))
	assert.NoError(t, s.Thaw(context.Background(), "res0.service"))
	assert.NoError(t, s.ResetFailed(context.Background(), "res0.service"))
	assert.NoError(t, s.DaemonReload(context.Background()))
}

func TestSystemctlIsActive(t *testing.T) {
	s := Systemctl{Path: fakeSystemctl(t, true, "active")}
	active, err := s.IsActive(context.Background(), "res0.service")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestSystemctlIsActiveFalseOnNonZeroExit(t *testing.T) {
	// systemctl is-active exits 3 for "inactive"; that's not a call failure.
	s := Systemctl{Path: fakeSystemctl(t, false, "inactive")}
	active, err := s.IsActive(context.Background(), "res0.service")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSystemctlShowProperty(t *testing.T) {
	s := Systemctl{Path: fakeSystemctl(t, true, "active")}
	val, err := s.ShowProperty(context.Background(), "res0.service", "ActiveState")
	require.NoError(t, err)
	assert.Equal(t, "active", val)
}

func TestSystemctlListDependencies(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("shells out to a #!/bin/sh script")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "systemctl")
	script := "#!/bin/sh\ncat <<'EOF'\ndrbd-services@res0.target\ndrbd-promote@res0.service\nocf.ra@name_res0.service\nmnt-data.mount\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))

	s := Systemctl{Path: path}
	services, err := s.ListDependencies(context.Background(), "drbd-services@res0.target")
	require.NoError(t, err)
	assert.Equal(t, []string{"ocf.ra@name_res0.service", "mnt-data.mount"}, services)
}

func TestSystemctlDefaultPath(t *testing.T) {
	var s Systemctl
	assert.Equal(t, "systemctl", s.bin())
}
