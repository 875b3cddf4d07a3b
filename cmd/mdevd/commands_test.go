package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `# comment
-SUBSYSTEM=tty;ttyUSB([0-9]+)  0:20   660  >usb/tty%1 @echo %MDEV%
null 0:0 0666
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestCheckPrintsCanonicalRules(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "mdev.conf", testRules)

	out, _, err := execute(t, "check", rules)
	require.NoError(t, err)
	assert.Equal(t,
		"-SUBSYSTEM=tty;ttyUSB([0-9]+) 0:20 0660 >usb/tty%1 @echo %MDEV%\nnull 0:0 0666\n", out)
}

func TestCheckReportsEveryBadLine(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "mdev.conf", "null 0:0 0666\nsda 0:0 999\nbroken\n")

	out, errOut, err := execute(t, "check", "--quiet", rules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 invalid line(s)")
	assert.Empty(t, out)
	assert.Contains(t, errOut, "mdev.conf: line 2: bad mode")
	assert.Contains(t, errOut, "mdev.conf: line 3:")
}

func TestMatchDryRun(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "mdev.conf", testRules)

	out, _, err := execute(t, "--rules", rules, "match",
		"ACTION=add", "DEVPATH=/devices/usb1/1-1/ttyUSB2/tty/ttyUSB2",
		"SUBSYSTEM=tty", "DEVNAME=ttyUSB2", "MAJOR=188", "MINOR=2")
	require.NoError(t, err)
	assert.Contains(t, out, "add ttyUSB2")
	assert.Contains(t, out, "rule 2: node usb/tty2 0:20 0660 link ttyUSB2")
	assert.Contains(t, out, `command @ "echo ttyUSB2" (runs)`)
	assert.NotContains(t, out, "default:", "a matched continuation rule suppresses the default")
}

func TestMatchRejectsMalformedArguments(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "mdev.conf", testRules)

	_, _, err := execute(t, "--rules", rules, "match", "ACTION=add", "DEVPATH")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want KEY=VALUE")
}

func TestExplicitConfigMustExist(t *testing.T) {
	_, _, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestConfigFileAndFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "mdev.conf", testRules)
	cfg := writeFile(t, dir, "mdevd.yaml", "rules:\n  path: /nonexistent/mdev.conf\nhooks:\n  runner: builtin\n")

	_, _, err := execute(t, "--config", cfg, "check")
	require.Error(t, err)

	_, _, err = execute(t, "--config", cfg, "--rules", rules, "check", "-q")
	require.NoError(t, err)
}

func TestStartupRejectsBadRuleFile(t *testing.T) {
	rules := writeFile(t, t.TempDir(), "mdev.conf", "*** 0:0 999\n")
	sys := t.TempDir()

	out, _, err := execute(t, "--rules", rules, "--sysfs", sys, "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
	assert.Empty(t, out, "no device is touched")
}

func TestScanCreatesNodes(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("mknod needs root")
	}
	sys := t.TempDir()
	dev := t.TempDir()
	devDir := filepath.Join(sys, "devices", "virtual", "mem", "null")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	writeFile(t, devDir, "uevent", "MAJOR=1\nMINOR=3\nDEVNAME=null\n")
	writeFile(t, devDir, "dev", "1:3\n")
	require.NoError(t, os.MkdirAll(filepath.Join(sys, "dev", "char"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(sys, "dev", "block"), 0o755))
	require.NoError(t, os.Symlink("../../devices/virtual/mem/null", filepath.Join(sys, "dev", "char", "1:3")))
	rules := writeFile(t, t.TempDir(), "mdev.conf", "null 0:0 0666\n")

	out, _, err := execute(t, "--rules", rules, "--sysfs", sys, "--dev-root", dev, "scan")
	require.NoError(t, err)
	assert.Contains(t, out, "1 devices, 0 with errors")

	fi, err := os.Lstat(filepath.Join(dev, "null"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeCharDevice)
}
