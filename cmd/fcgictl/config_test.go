package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := resolveConfig(serveFlags{configPath: filepath.Join(".", "ex.config.toml")}, func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, []int{9000}, cfg.TCPPorts)
	assert.Equal(t, []string{"/tmp/fcgictl.sock"}, cfg.UnixPaths)
	assert.Equal(t, "127.0.0.1:7080", cfg.AdminAddr)
	assert.Equal(t, 500, cfg.PollTimeoutMS)
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_ports = [9000]\n"), 0o600))

	changed := map[string]bool{"tcp": true, "admin": true}
	cfg, err := resolveConfig(serveFlags{
		configPath: path,
		tcpPorts:   []int{9100, 9101},
		adminAddr:  ":7000",
	}, func(name string) bool { return changed[name] })
	require.NoError(t, err)
	assert.Equal(t, []int{9100, 9101}, cfg.TCPPorts)
	assert.Equal(t, ":7000", cfg.AdminAddr)
}

func TestFlagSuppliesListenerMissingFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(path, []byte("admin_addr = \"127.0.0.1:7080\"\n"), 0o600))

	cfg, err := resolveConfig(serveFlags{configPath: path, tcpPorts: []int{9000}},
		func(name string) bool { return name == "tcp" })
	require.NoError(t, err)
	assert.Equal(t, []int{9000}, cfg.TCPPorts)
	assert.Equal(t, "127.0.0.1:7080", cfg.AdminAddr)

	_, err = resolveConfig(serveFlags{configPath: path}, func(string) bool { return false })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config invalid")
}

func TestNoListenersRejected(t *testing.T) {
	_, err := resolveConfig(serveFlags{}, func(string) bool { return false })
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "fcgictl dev")
}
