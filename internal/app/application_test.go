package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/api"
	"proctorhub/internal/client"
	"proctorhub/internal/config"
	"proctorhub/internal/logging"
	"proctorhub/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "proctorhub.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	return cfg
}

func startApp(t *testing.T) (*Application, string) {
	t.Helper()
	a, err := New(context.Background(), testConfig(t), logging.Discard(), "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a, "http://" + a.Addr()
}

func TestApplication_HealthAndMetrics(t *testing.T) {
	_, base := startApp(t)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	names := make([]string, 0, len(health.Checks))
	for _, c := range health.Checks {
		names = append(names, c.Name)
		assert.True(t, c.Healthy, c.Name)
	}
	assert.ElementsMatch(t, []string{"database", "hub"}, names)
	require.NotNil(t, health.Hub)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "proctorhub_")
}

func TestApplication_StopIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logging.Discard(), "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()), "second start")

	ctx := context.Background()
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))
}

func TestApplication_StopBeforeStart(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logging.Discard(), "test")
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background()))
}

func TestApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = 70000
	_, err := New(context.Background(), cfg, logging.Discard(), "test")
	assert.Error(t, err)
}

func TestApplication_ReAttemptNotifications(t *testing.T) {
	a, base := startApp(t)
	ctx := context.Background()

	type box struct {
		mu   sync.Mutex
		envs []*types.Envelope
	}
	listen := func(userID string, role types.Role, room string) *box {
		h, err := client.DialHub(ctx, base, userID, role, client.HubOptions{Logger: logging.Discard()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = h.Close() })
		b := &box{}
		h.OnAny(func(env *types.Envelope) {
			b.mu.Lock()
			b.envs = append(b.envs, env)
			b.mu.Unlock()
		})
		require.NoError(t, h.Join(room))
		require.Eventually(t, func() bool { return len(a.Hub().Members(room)) == 1 }, 2*time.Second, 5*time.Millisecond)
		return b
	}
	first := func(b *box, et types.EventType) *types.Envelope {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, e := range b.envs {
			if e.Type == et {
				return e
			}
		}
		return nil
	}

	mentor := listen("m1", types.RoleMentor, types.MentorsRoom)
	student := listen("stu1", types.RoleCandidate, types.UserRoom("stu1"))

	rest, err := client.NewREST(base, client.RESTOptions{Logger: logging.Discard()})
	require.NoError(t, err)

	req, err := rest.CreateReAttempt(ctx, "exam1", "stu1", "power outage")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, req.Status)

	_, err = rest.CreateReAttempt(ctx, "exam1", "stu1", "again")
	assert.True(t, client.IsConflict(err), "one pending request per student and exam")

	require.Eventually(t, func() bool { return first(mentor, types.EventNewReAttemptRequest) != nil }, 2*time.Second, 5*time.Millisecond)
	var created types.ReAttemptPayload
	require.NoError(t, first(mentor, types.EventNewReAttemptRequest).Decode(&created))
	assert.Equal(t, req.ID, created.RequestID)
	assert.Equal(t, "stu1", created.StudentID)

	reviewed, err := rest.ReviewReAttempt(ctx, req.ID, true, "granted", "m1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, reviewed.Status)

	require.Eventually(t, func() bool { return first(student, types.EventReAttemptResponse) != nil }, 2*time.Second, 5*time.Millisecond)
	var outcome types.ReAttemptPayload
	require.NoError(t, first(student, types.EventReAttemptResponse).Decode(&outcome))
	assert.Equal(t, types.StatusApproved, outcome.Status)
	assert.Equal(t, "granted", outcome.Comment)

	pending, err := rest.ReAttempts(ctx, types.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
