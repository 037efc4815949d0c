package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/flowsched/internal/notify"
)

const validFlow = `
namespace: acme
id: report
triggers:
  - id: hourly
    schedule: "0 * * * *"
    conditions:
      - kind: expression
        expression: "payload.region == 'eu'"
    payload:
      region: eu
`

const badScheduleFlow = `
namespace: acme
id: broken
triggers:
  - id: bad
    schedule: "61 * * * *"
`

// baseEnv sets a configuration that validates without any external service.
func baseEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	flows := filepath.Join(dir, "flows")
	require.NoError(t, os.Mkdir(flows, 0o755))

	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "flowsched.db"))
	t.Setenv("EXECUTION_URL", "http://localhost:8081/executions")
	t.Setenv("FLOWS_DIR", flows)
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")
	return flows
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "flowsched version dev (commit: unknown)\n", out)
}

func TestConfig_MasksSecrets(t *testing.T) {
	baseEnv(t)
	t.Setenv("EXECUTION_SECRET", "topsecret")

	out, err := run(t, "config")
	require.NoError(t, err)
	assert.NotContains(t, out, "topsecret")
	assert.Contains(t, out, `"execution_secret": "***"`)
	assert.Contains(t, out, `"scheduler_id": "`)
}

func TestConfig_FileUnderEnvironment(t *testing.T) {
	baseEnv(t)
	file := filepath.Join(t.TempDir(), "flowsched.yaml")
	require.NoError(t, os.WriteFile(file, []byte("tick_interval: 5s\nscheduler_workers: 3\n"), 0o644))
	t.Setenv("SCHEDULER_WORKERS", "12")

	out, err := run(t, "--config", file, "config")
	require.NoError(t, err)
	assert.Contains(t, out, `"tick_interval": "5s"`)
	assert.Contains(t, out, `"scheduler_workers": 12`)
}

func TestValidate_Valid(t *testing.T) {
	flows := baseEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(flows, "report.yaml"), []byte(validFlow), 0o644))

	out, err := run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "1 flow(s), 1 trigger(s) valid")
	assert.Contains(t, out, "configuration valid")
}

func TestValidate_BadSchedule(t *testing.T) {
	flows := baseEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(flows, "report.yaml"), []byte(validFlow), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(flows, "broken.yaml"), []byte(badScheduleFlow), 0o644))

	out, err := run(t, "validate")
	require.Error(t, err)
	assert.Contains(t, out, `acme/broken/bad: schedule "61 * * * *"`)
	assert.Contains(t, err.Error(), "1 problem(s)")

	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitInvalidConfig, ee.code)
}

func TestValidate_ConfigOnlySkipsFlows(t *testing.T) {
	flows := baseEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(flows, "broken.yaml"), []byte(badScheduleFlow), 0o644))

	out, err := run(t, "validate", "--config-only")
	require.NoError(t, err)
	assert.Equal(t, "configuration valid\n", out)
}

func TestExecute_ExitCodes(t *testing.T) {
	baseEnv(t)
	assert.Equal(t, exitSuccess, execute([]string{"version"}))

	t.Setenv("DATABASE_DRIVER", "oracle")
	assert.Equal(t, exitInvalidConfig, execute([]string{"validate"}))

	assert.Equal(t, exitRuntimeError, execute([]string{"no-such-command"}))
}

func TestMigrate_SQLite(t *testing.T) {
	baseEnv(t)

	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "applied "), out)
	assert.NotContains(t, out, "applied 0 ")

	out, err = run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "applied 0 migration(s) on sqlite\n", out)
}

func TestNotify(t *testing.T) {
	baseEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sub := client.Subscribe(context.Background(), notify.DefaultChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	out, err := run(t, "notify", "acme/report")
	require.NoError(t, err)
	assert.Equal(t, "notified 1 instance(s)\n", out)

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acme/report", msg.Payload)
}

func TestNotify_BadArguments(t *testing.T) {
	baseEnv(t)

	_, err := run(t, "notify", "report")
	assert.ErrorContains(t, err, "expected <namespace/flow>")

	_, err = run(t, "notify", "acme/report")
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitInvalidConfig, ee.code)
}

func TestDefaultSchedulerID(t *testing.T) {
	host, err := os.Hostname()
	require.NoError(t, err)

	a, b := defaultSchedulerID(), defaultSchedulerID()
	assert.True(t, strings.HasPrefix(a, host+"-"), a)
	assert.Len(t, a, len(host)+9)
	assert.NotEqual(t, a, b)
}
