package attache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvalidDatabaseType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabaseType = "oracle"

	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewDiscordEnabledRequiresToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Enabled = true
	cfg.Discord.Token = ""

	_, err := New(cfg)
	require.Error(t, err)
}

func TestPendingSetup(t *testing.T) {
	a := setupTestAttache(t)
	assert.True(t, a.pendingSetup.Load())

	hashed, err := HashPassword("a long admin password")
	require.NoError(t, err)
	_, err = a.writeDB.Create(
		context.Background(),
		&Admin{Email: "admin@example.com", Password: hashed},
	)
	require.NoError(t, err)

	// a fresh instance over the same database sees the existing admin
	other, err := New(a.config)
	require.NoError(t, err)
	require.NoError(t, other.initRun(context.Background()))
	assert.False(t, other.pendingSetup.Load())
}

func TestRunAndStop(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "attache.sqlite3")
	cfg.Discord.Enabled = false
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = "test-secret"
	cfg.ShutdownTimeout = 5 * time.Second

	a, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(ctx)
	}()

	select {
	case <-a.signalReady:
	case err = <-runErr:
		t.Fatalf("run exited before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	a.Stop()

	select {
	case err = <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for run to exit")
	}
}
