package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/arena-realtime/internal/config"
	"github.com/turtacn/arena-realtime/internal/infrastructure/crypto"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

const testConfig = `
store:
  key_prefix: rt
auth:
  secret: rtctl-test-secret-0123456789
`

func setup(t *testing.T) (*miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return mr, path
}

func execute(t *testing.T, mr *miniredis.Miniredis, configPath string, args ...string) (string, error) {
	t.Helper()
	factory := func(*config.Config) (goredis.UniversalClient, error) {
		return goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil
	}
	cmd := newRootCmd(factory)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPing(t *testing.T) {
	mr, cfg := setup(t)
	out, err := execute(t, mr, cfg, "ping")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "PONG"))

	mr.SetError("LOADING")
	_, err = execute(t, mr, cfg, "ping")
	assert.ErrorContains(t, err, "store unreachable")
}

func TestCounters(t *testing.T) {
	mr, cfg := setup(t)
	_, err := mr.Incr("rt:conn:user:u1", 3)
	require.NoError(t, err)

	out, err := execute(t, mr, cfg, "counters", "get", "--user", "u1")
	require.NoError(t, err)
	assert.Equal(t, "rt:conn:user:u1 3\n", out)

	out, err = execute(t, mr, cfg, "counters", "reset", "--user", "u1")
	require.NoError(t, err)
	assert.Equal(t, "reset rt:conn:user:u1\n", out)
	assert.False(t, mr.Exists("rt:conn:user:u1"))

	out, err = execute(t, mr, cfg, "counters", "get", "--ip", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "rt:conn:ip:10.0.0.1 0\n", out)
}

func TestCounters_RequiresExactlyOneSubject(t *testing.T) {
	mr, cfg := setup(t)
	_, err := execute(t, mr, cfg, "counters", "get")
	assert.ErrorContains(t, err, "exactly one of --user or --ip")

	_, err = execute(t, mr, cfg, "counters", "reset", "--user", "u1", "--ip", "10.0.0.1")
	assert.ErrorContains(t, err, "exactly one of --user or --ip")
}

func TestRoom(t *testing.T) {
	mr, cfg := setup(t)
	_, err := mr.SAdd("rt:room:t1", "c2", "c1")
	require.NoError(t, err)

	out, err := execute(t, mr, cfg, "room", "size", "t1")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = execute(t, mr, cfg, "room", "members", "t1")
	require.NoError(t, err)
	assert.Equal(t, "c1\nc2\n", out)

	_, err = execute(t, mr, cfg, "room", "reset", "t1")
	require.NoError(t, err)
	assert.False(t, mr.Exists("rt:room:t1"))

	_, err = execute(t, mr, cfg, "room", "size", " ")
	assert.ErrorContains(t, err, "must not be blank")

	_, err = execute(t, mr, cfg, "room", "size")
	assert.Error(t, err)
}

func TestBucketReset(t *testing.T) {
	mr, cfg := setup(t)
	mr.HSet("rt:bucket:ip:10.0.0.1", "tokens", "0")

	out, err := execute(t, mr, cfg, "bucket", "reset", "--ip", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "reset rt:bucket:ip:10.0.0.1\n", out)
	assert.False(t, mr.Exists("rt:bucket:ip:10.0.0.1"))
}

func TestTokenIssue(t *testing.T) {
	mr, cfg := setup(t)
	out, err := execute(t, mr, cfg, "token", "issue", "--user", "u42", "--role", "manager", "--ttl", "10m")
	require.NoError(t, err)

	auth, err := crypto.NewJWTAuthenticator("rtctl-test-secret-0123456789", "", "", logger.NewNoopLogger())
	require.NoError(t, err)
	identity, err := auth.Authenticate(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u42", identity.UserID)
	assert.Equal(t, "manager", string(identity.Role))

	_, err = execute(t, mr, cfg, "token", "issue")
	assert.ErrorContains(t, err, "--user is required")
}

func TestTokenIssue_NoSecret(t *testing.T) {
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	_, err := execute(t, mr, path, "token", "issue", "--user", "u1", "--ttl", time.Minute.String())
	assert.ErrorContains(t, err, "no signing secret configured")
}
