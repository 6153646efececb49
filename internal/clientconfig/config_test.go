package clientconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `{
	"host": "127.0.0.1:9000",
	"obsido_port": 9001,
	"task": "cifar10",
	"batch_size": 32,
	"local_train_steps": 1,
	"aggregator": "multikrum",
	"multikrum_factor": 2,
	"num_byzantine": 1,
	"attack": "none",
	"fetch": 20000,
	"gst": 3000,
	"save_freq": 10,
	"init_model_path": "init.bin",
	"env": {"DEFL_DEBUG": "1"}
}`

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Host)
	assert.Equal(t, 9001, cfg.ObsidoPort)
	assert.Equal(t, AggregatorMultiKrum, cfg.Aggregator)
	assert.Equal(t, "1", os.Getenv("DEFL_DEBUG"))

	host, port, err := cfg.SplitHost()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 9000, port)
}

func TestLoadRejectsUnknownAggregator(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"host":"h:1","obsido_port":2,"task":"cifar10","aggregator":"bogus","attack":"none","local_train_steps":1}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingHost(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"obsido_port":2,"task":"cifar10","aggregator":"fedavg","attack":"none","local_train_steps":1}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAppliesDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DEFL_FROM_DOTENV=yes\n"), 0o644))
	path := writeConfig(t, dir, validConfig)

	_, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "yes", os.Getenv("DEFL_FROM_DOTENV"))
}

func TestUnknownJSONKeysAreIgnored(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"host":"h:1","obsido_port":2,"task":"cifar10","aggregator":"fedavg","attack":"none","local_train_steps":1,"totally_unknown_key":true}`)
	_, err := Load(path)
	require.NoError(t, err)
}
