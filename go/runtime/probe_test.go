package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func defaultConfig() ProbeConfig {
	var cfg ProbeConfig
	cfg.Probe.MaxConcurrent = 4
	cfg.Probe.AskTimeout = 10 * time.Second
	cfg.Probe.StartupDeadline = 30 * time.Second
	cfg.Probe.CommitBatchSize = 20
	cfg.Probe.CommitInterval = 5 * time.Second
	cfg.Probe.DefaultBootstrapServers = "broker-1:9092,broker-2:9092"
	cfg.Layout.FeaturesPath = "features"
	cfg.Layout.ManifestPath = "topic-directives.yaml"
	cfg.Schema.RegistryURL = "http://registry.local:8081"
	cfg.Storage.Provider = "all"
	cfg.Vault.Provider = "local"
	return cfg
}

func TestBuildPorts(t *testing.T) {
	var cfg = defaultConfig()
	var ports, err = cfg.BuildPorts()
	require.NoError(t, err)
	require.NotNil(t, ports.Store)
	require.NotNil(t, ports.Vault)
	require.NotNil(t, ports.Codec)
	require.NotNil(t, ports.Broker)
	require.NotNil(t, ports.Runner)
}

func TestBuildPortsNamesMissingPieces(t *testing.T) {
	var cfg = defaultConfig()
	cfg.Schema.RegistryURL = ""
	var _, err = cfg.BuildPorts()
	require.ErrorContains(t, err, "schema registry URL")

	cfg = defaultConfig()
	cfg.Storage.Provider = "ftp"
	_, err = cfg.BuildPorts()
	require.ErrorContains(t, err, "building storage port")
	require.ErrorContains(t, err, "ftp")

	cfg = defaultConfig()
	cfg.Vault.Provider = "keychain"
	_, err = cfg.BuildPorts()
	require.ErrorContains(t, err, "building vault port")
}

func TestExecutionConfigDerivation(t *testing.T) {
	var cfg = defaultConfig()
	var ec = cfg.ExecutionConfig()
	require.Equal(t, "broker-1:9092,broker-2:9092", ec.DefaultBootstrapServers)
	require.Equal(t, 10*time.Second, ec.AskTimeout)
	require.Equal(t, 30*time.Second, ec.StartupDeadline)
	require.Equal(t, 20, ec.CommitBatchSize)
	require.Equal(t, 5*time.Second, ec.CommitInterval)
}
