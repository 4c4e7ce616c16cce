package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv_FallsBackToGoModRoot(t *testing.T) {
	tmp := t.TempDir()

	requireWriteFile(t, filepath.Join(tmp, "go.mod"), "module example.com/test\n\ngo 1.22\n")
	requireWriteFile(t, filepath.Join(tmp, ".env.local"), "TELEMETRY_SDK_TEST_ENV_LOAD=ok\n")

	sub := filepath.Join(tmp, "pkg", "delivery")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	origWd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	require.NoError(t, os.Chdir(sub))

	t.Setenv("TELEMETRY_SDK_TEST_ENV_LOAD", "")
	require.NoError(t, os.Unsetenv("TELEMETRY_SDK_TEST_ENV_LOAD"))

	n, err := LoadEnv([]string{".env", ".env.local"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "ok", os.Getenv("TELEMETRY_SDK_TEST_ENV_LOAD"))
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOG_PATH", filepath.Join(t.TempDir(), "deliveryd.log"))

	c, err := Load()
	require.NoError(t, err)
	t.Cleanup(c.Unload)

	require.Equal(t, 60*time.Second, c.Delivery.RetryDeadline)
	require.Equal(t, 180*24*time.Hour, c.Delivery.RetentionHorizon)
	require.Equal(t, 20, c.Delivery.FetchLimit)
	require.Equal(t, StoreSQLite, c.Store.Driver)
	require.Equal(t, SenderHTTP, c.Sender.Kind)
	require.Equal(t, []string{"localhost:9092"}, c.Sender.KafkaBrokers)
	require.Equal(t, "localhost:3200", c.SocketAddress)
	require.Equal(t, []string{"*"}, c.CORSOrigins())
	require.NotNil(t, c.Logger())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOG_PATH", filepath.Join(t.TempDir(), "deliveryd.log"))
	t.Setenv("STORE_DRIVER", " Postgres ")
	t.Setenv("SENDER_KIND", "KAFKA")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DELIVERY_FETCH_LIMIT", "5")
	t.Setenv("DELIVERY_RETRY_DEADLINE", "2m")
	t.Setenv("GO_APP_ENV", Production)
	t.Setenv("PORT", "8081")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	c, err := Load()
	require.NoError(t, err)
	t.Cleanup(c.Unload)

	require.Equal(t, StorePostgres, c.Store.Driver)
	require.Equal(t, SenderKafka, c.Sender.Kind)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, c.Sender.KafkaBrokers)
	require.Equal(t, 5, c.Delivery.FetchLimit)
	require.Equal(t, 2*time.Minute, c.Delivery.RetryDeadline)
	require.Equal(t, ":8081", c.SocketAddress)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, c.CORSOrigins())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"store driver": {"STORE_DRIVER", "mongo"},
		"sender kind":  {"SENDER_KIND", "smtp"},
		"sync timeout": {"DELIVERY_SYNC_TIMEOUT", "0s"},
		"fetch limit":  {"DELIVERY_FETCH_LIMIT", "-1"},
		"rate storage": {"RATE_LIMIT_STORAGE", "disk"},
		"retention":    {"DELIVERY_RETENTION_HORIZON", "0s"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("LOG_PATH", filepath.Join(t.TempDir(), "deliveryd.log"))
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLogrusLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]logrus.Level{
		"silent":  logrus.PanicLevel,
		"error":   logrus.ErrorLevel,
		"warn":    logrus.WarnLevel,
		"info":    logrus.InfoLevel,
		"debug":   logrus.DebugLevel,
		"verbose": logrus.ErrorLevel,
	}
	for in, want := range cases {
		c := &Configuration{LogLevel: in}
		require.Equal(t, want, c.LogrusLogLevel(), in)
	}
}

func requireWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
