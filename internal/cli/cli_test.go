package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/catalog-sync/internal/batch"
	"github.com/and161185/catalog-sync/internal/model"
)

type fakeBackend struct {
	calls     []string
	kinds     []model.Kind
	res       batch.Result
	deleteErr error
}

func (f *fakeBackend) SyncEntity(_ context.Context, kind model.Kind, id string) (batch.Result, error) {
	f.calls = append(f.calls, "sync "+string(kind)+" "+id)
	return f.res, nil
}

func (f *fakeBackend) FullSync(_ context.Context, kinds []model.Kind) (batch.Result, error) {
	f.calls = append(f.calls, "full")
	f.kinds = kinds
	return f.res, nil
}

func (f *fakeBackend) SyncPending(_ context.Context, kinds []model.Kind) (batch.Result, error) {
	f.calls = append(f.calls, "pending")
	f.kinds = kinds
	return f.res, nil
}

func (f *fakeBackend) DeleteEntity(_ context.Context, kind model.Kind, id string) error {
	f.calls = append(f.calls, "delete "+string(kind)+" "+id)
	return f.deleteErr
}

func execute(t *testing.T, b Backend, args ...string) (string, error) {
	t.Helper()
	released := false
	opts := &RootOptions{connect: func(context.Context, *RootOptions) (Backend, func(), error) {
		return b, func() { released = true }, nil
	}}
	cmd := newRootCommand("test", opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if b != nil && len(args) > 0 && args[0] != "version" && err == nil {
		assert.True(t, released, "backend must be released")
	}
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("dev")
	require.NotNil(t, cmd)
	assert.Equal(t, "catalogsync", cmd.Use)
	assert.Contains(t, cmd.Long, "--server")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("dev")
	commands := []string{"serve", "sync", "full", "pending", "delete", "migrate", "token", "version"}

	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand("dev")

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	for _, name := range []string{"server", "ca", "insecure", "token"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, &fakeBackend{}, "--format", "xml", "full")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "catalogsync test\n", out)
}

func TestSync_TextOutput(t *testing.T) {
	b := &fakeBackend{res: batch.Result{Success: true, Created: 2, Errors: []batch.EntityError{}}}
	out, err := execute(t, b, "sync", "products", "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sync product p1"}, b.calls)
	assert.Contains(t, out, "created: 2")
	assert.Contains(t, out, "errors: 0")
}

func TestSync_PartialFailureExitCode(t *testing.T) {
	b := &fakeBackend{res: batch.Result{
		Success: true,
		Errors:  []batch.EntityError{{Kind: model.KindProduct, EntityID: "p1", Message: "category not synchronized: Cups"}},
	}}
	out, err := execute(t, b, "sync", "product", "p1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "product p1: category not synchronized: Cups")
}

func TestSync_Args(t *testing.T) {
	_, err := execute(t, &fakeBackend{}, "sync", "product")
	require.Error(t, err)

	b := &fakeBackend{}
	_, err = execute(t, b, "sync", "widget", "w1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Empty(t, b.calls)
}

func TestFull_JSONOutput(t *testing.T) {
	b := &fakeBackend{res: batch.Result{Success: true, Updated: 3, Deleted: 1, Errors: []batch.EntityError{}}}
	out, err := execute(t, b, "--format", "json", "full", "brand", "categories")
	require.NoError(t, err)
	assert.Equal(t, []model.Kind{model.KindBrand, model.KindCategory}, b.kinds)

	var got batch.Result
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Success)
	assert.Equal(t, 3, got.Updated)
	assert.Equal(t, 1, got.Deleted)
}

func TestFull_BatchDidNotRun(t *testing.T) {
	b := &fakeBackend{res: batch.Failed(errors.New("catastrophic setup error: list products: 502"))}
	out, err := execute(t, b, "full")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "failed: catastrophic setup error")
}

func TestPending(t *testing.T) {
	b := &fakeBackend{res: batch.Result{Success: true, Errors: []batch.EntityError{}}}
	_, err := execute(t, b, "pending")
	require.NoError(t, err)
	assert.Equal(t, []string{"pending"}, b.calls)
	assert.Empty(t, b.kinds)
}

func TestDelete(t *testing.T) {
	b := &fakeBackend{}
	out, err := execute(t, b, "delete", "category", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"delete category c1"}, b.calls)
	assert.Equal(t, "deleted category c1\n", out)

	b = &fakeBackend{deleteErr: errors.New("invalid category hierarchy: category has child Mugs")}
	_, err = execute(t, b, "delete", "category", "c1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "Mugs")
}

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "catalogsync")
}

func TestToken_SaveLoad(t *testing.T) {
	base := withTmpConfig(t)
	assert.Equal(t, base, cfgDir())

	_, err := loadToken()
	require.Error(t, err)

	require.NoError(t, saveToken("tok", "ops", time.Now().Add(time.Minute)))
	tok, err := loadToken()
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	info, err := os.Stat(tokenPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, saveToken("tok2", "ops", time.Now().Add(-time.Minute)))
	_, err = loadToken()
	require.Error(t, err, "expired token must be rejected")
}

func TestTokenCommand_IssuesAndSaves(t *testing.T) {
	withTmpConfig(t)
	t.Setenv("CATALOGSYNC_SERVER_JWT_KEY", "s3cret")

	out, err := execute(t, nil, "token", "--subject", "ops", "--ttl", "1h", "--save")
	require.NoError(t, err)

	issued := bytes.TrimSpace([]byte(out))
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(string(issued), &claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	assert.Equal(t, "ops", claims.Subject)

	saved, err := loadToken()
	require.NoError(t, err)
	assert.Equal(t, string(issued), saved)
}

func TestTokenCommand_MissingKey(t *testing.T) {
	withTmpConfig(t)
	t.Setenv("CATALOGSYNC_SERVER_JWT_KEY", "")

	_, err := execute(t, nil, "token")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLoadTLS(t *testing.T) {
	creds, err := loadTLS("", true)
	require.NoError(t, err)
	assert.NotNil(t, creds)

	_, err = loadTLS(filepath.Join(t.TempDir(), "missing.pem"), false)
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = loadTLS(bad, false)
	require.Error(t, err)
}

func TestBearerCreds(t *testing.T) {
	md, err := bearerCreds{token: "abc"}.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", md["authorization"])
	assert.True(t, bearerCreds{}.RequireTransportSecurity())
}

func TestStartSweeper_StopWaitsForRun(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	stop := startSweeper(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond) // a sweep still finishing its last entity
		finished.Store(true)
		return ctx.Err()
	})

	<-started
	stop()
	require.True(t, finished.Load(), "stop returned before the sweep finished")
	stop()
}
