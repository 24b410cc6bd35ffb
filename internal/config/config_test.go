package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tiny-agent/internal/tool"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)

	require.Empty(t, cfg.Path)
	require.Equal(t, "tiny-agent", cfg.Agent.Name)
	require.Equal(t, 8, cfg.Agent.MaxSteps)
	require.Equal(t, "command", cfg.Agent.Planner)
	require.Equal(t, "memory", cfg.Memory.Backend)
	require.Equal(t, 1000, cfg.Memory.HistoryLimit)
	require.Equal(t, 2*time.Minute, cfg.Tools.DefaultTimeout)
	require.Equal(t, 30*time.Second, cfg.Tools.Shell.Timeout)
	require.Equal(t, "none", cfg.LLM.Provider)
	require.Equal(t, "memory", cfg.TaskQueue.Driver)
	require.Equal(t, ":8080", cfg.Server.Address)
	require.Equal(t, filepath.Join(dir, "data", "memory.db"), cfg.Memory.SQLite.Path)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tinyagent.yaml")
	content := `
agent:
  max_steps: 3
  planner: llm
  tools: [http, file]
memory:
  backend: sqlite
  sqlite:
    path: state/memory.db
tools:
  default_timeout: 45s
  rate_limit:
    per_second: 2
  policy:
    denied: [execution]
  file:
    root: workspace
  chain:
    default: local
    endpoints:
      local:
        rpc_url: http://127.0.0.1:8545
llm:
  provider: openai
  openai:
    model: gpt-4o
plugins:
  plugin_dir: plugins
  plugins:
    records:
      enabled: true
      path: records.so
logging:
  level: debug
  audit:
    enabled: true
alerting:
  webhooks: [http://hooks.local/alert]
  slack: [https://hooks.slack.test/services/T0/B0/x]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, path, cfg.Path)
	require.Equal(t, 3, cfg.Agent.MaxSteps)
	require.Equal(t, []string{"http", "file"}, cfg.Agent.Tools)
	require.Equal(t, filepath.Join(dir, "state", "memory.db"), cfg.Memory.SQLite.Path)
	require.Equal(t, 45*time.Second, cfg.Tools.DefaultTimeout)
	require.Equal(t, 1, cfg.Tools.RateLimit.Burst)
	require.Equal(t, []tool.Capability{tool.CapabilityExecution}, cfg.Tools.Policy.Denied)
	require.Equal(t, filepath.Join(dir, "workspace"), cfg.Tools.File.Root)
	require.Equal(t, "http://127.0.0.1:8545", cfg.Tools.Chain.Endpoints["local"].RPCURL)
	require.Equal(t, "gpt-4o", cfg.LLM.OpenAI.Model)
	require.Equal(t, filepath.Join(dir, "plugins"), cfg.Plugins.PluginDir)
	require.True(t, cfg.Plugins.Plugins["records"].Enabled)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, filepath.Join(dir, "logs", "audit.log"), cfg.Logging.Audit.Path)
	require.Equal(t, []string{"http://hooks.local/alert"}, cfg.Alerting.Webhooks)
	require.Equal(t, []string{"https://hooks.slack.test/services/T0/B0/x"}, cfg.Alerting.Slack)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tinyagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  max_steps: 3\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TINYAGENT_OPENAI_API_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TINYAGENT_OPENAI_API_KEY") })

	t.Setenv("TINYAGENT_MAX_STEPS", "5")
	t.Setenv("TINYAGENT_TOOLS", "shell, http")
	t.Setenv("TINYAGENT_SHELL_TIMEOUT", "10s")
	t.Setenv("TINYAGENT_MEMORY_BACKEND", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Agent.MaxSteps)
	require.Equal(t, []string{"shell", "http"}, cfg.Agent.Tools)
	require.Equal(t, 10*time.Second, cfg.Tools.Shell.Timeout)
	require.Equal(t, "redis", cfg.Memory.Backend)
	require.Equal(t, "from-dotenv", cfg.LLM.OpenAI.APIKey)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"backend":     "memory:\n  backend: etcd\n",
		"planner":     "agent:\n  planner: magic\n",
		"llm needed":  "agent:\n  planner: llm\n",
		"mysql dsn":   "storage:\n  task_store:\n    driver: mysql\n",
		"bad yaml":    "agent: [\n",
		"plugin path": "plugins:\n  plugins:\n    x:\n      enabled: true\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			_, err := Load(path)
			require.Error(t, err)
		})
	}

	t.Setenv("TINYAGENT_MAX_STEPS", "many")
	_, err := Load(filepath.Join(dir, "absent.yaml"))
	require.ErrorContains(t, err, "TINYAGENT_MAX_STEPS")
}
