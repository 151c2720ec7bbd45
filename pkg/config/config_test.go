package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/model-store/pkg/distribution/distribution"
)

// isolate points every directory and variable Load consults at a scratch
// location.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	for _, k := range []string{"MODELS_PATH", "HF_TOKEN", "MODEL_STORE_STORE", "MODEL_STORE_CONCURRENCY", "MODEL_STORE_HUGGINGFACE_TOKEN", "MODELSCOPE_API_TOKEN", "MODEL_STORE_MODELSCOPE_TOKEN"} {
		t.Setenv(k, "")
	}
	return dir
}

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDefaults(t *testing.T) {
	dir := isolate(t)

	c, err := Load(newViper(t), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "models"), c.Store)
	assert.Equal(t, "ollama", c.DefaultTransport)
	assert.Equal(t, 4, c.Concurrency)
	assert.Equal(t, 30*time.Second, c.LockTimeout)
	assert.Equal(t, 5, c.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, c.Retry.AttemptTimeout)
	assert.Equal(t, "https", c.URL.Scheme)
	assert.False(t, c.OCI.Insecure)
}

func TestConfigFile(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, filepath.Join(dir, "config", appName, "config.yaml"), `
store: /srv/models
default_transport: hf
concurrency: 8
retry:
  attempt_timeout: 5s
huggingface:
  endpoint: https://hf.internal
modelscope:
  endpoint: https://ms.internal
oci:
  insecure: true
`)

	c, err := Load(newViper(t), "")
	require.NoError(t, err)
	assert.Equal(t, "/srv/models", c.Store)
	assert.Equal(t, "hf", c.DefaultTransport)
	assert.Equal(t, 8, c.Concurrency)
	assert.Equal(t, 5*time.Second, c.Retry.AttemptTimeout)
	assert.Equal(t, 5, c.Retry.MaxAttempts, "unset keys keep their default")
	assert.Equal(t, "https://hf.internal", c.HuggingFace.Endpoint)
	assert.Equal(t, "https://ms.internal", c.ModelScope.Endpoint)
	assert.True(t, c.OCI.Insecure)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "custom.yaml")
	writeConfig(t, file, "concurrency: 8\n")
	t.Setenv("MODEL_STORE_CONCURRENCY", "2")
	t.Setenv("MODEL_STORE_RETRY_MAX_ATTEMPTS", "9")
	t.Setenv("HF_TOKEN", "hf_secret")
	t.Setenv("MODELSCOPE_API_TOKEN", "ms_secret")
	t.Setenv("MODELS_PATH", filepath.Join(dir, "elsewhere"))

	c, err := Load(newViper(t), file)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Concurrency)
	assert.Equal(t, 9, c.Retry.MaxAttempts)
	assert.Equal(t, "hf_secret", c.HuggingFace.Token)
	assert.Equal(t, "ms_secret", c.ModelScope.Token)
	assert.Equal(t, filepath.Join(dir, "elsewhere"), c.Store)
}

func TestInvalidConfig(t *testing.T) {
	dir := isolate(t)

	_, err := Load(newViper(t), filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err, "an explicit config file must exist")

	tests := map[string]string{
		"concurrency": "concurrency: 0\n",
		"transport":   "default_transport: ftp\n",
		"url scheme":  "url:\n  scheme: ftp\n",
		"syntax":      "concurrency: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "config.yaml")
			writeConfig(t, file, content)
			_, err := Load(newViper(t), file)
			assert.Error(t, err)
		})
	}
}

func TestClientOptions(t *testing.T) {
	dir := isolate(t)
	c, err := Load(newViper(t), "")
	require.NoError(t, err)
	c.Store = filepath.Join(dir, "store")

	client, err := distribution.NewClient(c.ClientOptions()...)
	require.NoError(t, err)
	assert.Equal(t, c.Store, client.GetStorePath())
}

func TestNewBindsSharedVariables(t *testing.T) {
	dir := isolate(t)
	v, err := New()
	require.NoError(t, err)

	t.Setenv("MODELS_PATH", filepath.Join(dir, "shared"))
	t.Setenv("HF_TOKEN", "hf_shared")
	assert.Equal(t, filepath.Join(dir, "shared"), v.GetString("store"))
	assert.Equal(t, "hf_shared", v.GetString("huggingface.token"))
}
