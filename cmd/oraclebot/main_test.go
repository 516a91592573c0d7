package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclebot/internal/app"
	"oraclebot/internal/config"
)

func TestNoCommandLineFlags(t *testing.T) {
	assert.Nil(t, flag.Lookup("config"))
	flag.VisitAll(func(f *flag.Flag) {
		// The test binary registers its own -test.* flags.
		assert.Regexp(t, `^test\.`, f.Name)
	})
}

func TestRunReadsConfigPathFromEnv(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")
	os.Unsetenv("TELEGRAM_TOKEN")
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("telegram:\n  token: \"\"\n"), 0o600))
	t.Setenv(config.EnvPath, p)

	assert.Equal(t, app.ExitFailure, run())
}
