package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/app"
	"proctorhub/internal/config"
	"proctorhub/internal/logging"
	"proctorhub/pkg/types"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func useTempDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "proctorhub.db")
	t.Setenv(config.EnvPrefix+"DATABASE_DRIVER", "sqlite")
	t.Setenv(config.EnvPrefix+"DATABASE_PATH", path)
	t.Setenv(config.EnvPrefix+"LOG_LEVEL", "error")
	return path
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "proctorhub", root.Use)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "migrate", "candidate", "meeting", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "proctorhub dev")
}

func TestMigrateCommand(t *testing.T) {
	useTempDatabase(t)

	out, err := execute(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1")

	out, err = execute(t, "", "migrate", "down")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 0")

	_, err = execute(t, "", "migrate", "sideways")
	assert.Error(t, err)
}

func TestCandidateCommand_RequiresID(t *testing.T) {
	_, err := execute(t, "", "candidate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id")
}

func TestMeetingCommand_RejectsUnknownRole(t *testing.T) {
	useTempDatabase(t)
	_, err := execute(t, "", "meeting", "--room", "r1", "--id", "u1", "--role", "admin")
	assert.Error(t, err)
}

func startServer(t *testing.T) (*app.Application, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "server.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	a, err := app.New(context.Background(), cfg, logging.Discard(), "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a, "http://" + a.Addr()
}

func TestCandidateCommand_ReadsSignals(t *testing.T) {
	useTempDatabase(t)
	t.Setenv(config.EnvPrefix+"PROCTOR_THRESHOLD", "3")
	a, base := startServer(t)

	stdin := "tab\nkey ctrl+c\nbogus\nstatus\nsubmit\n"
	out, err := execute(t, stdin, "candidate", "--server", base, "--session", "cli1", "--id", "c1", "--exam", "e1")
	require.NoError(t, err)

	assert.Contains(t, out, "session cli1 started as c1")
	assert.Contains(t, out, "violation tab-switch")
	assert.Contains(t, out, "unknown signal")
	assert.Contains(t, out, "state=warned risk=")
	assert.Contains(t, out, "exam submitted (submitted)")

	require.Eventually(t, func() bool {
		rec, err := a.Sessions().GetSession(context.Background(), "cli1")
		return err == nil && rec.State == types.StateResolved
	}, 3*time.Second, 20*time.Millisecond)
}
