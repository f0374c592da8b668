package container

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/internal/registry"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

type fakeRuntime struct {
	pulled   []string
	created  []Spec
	started  []string
	removed  []string
	status   string
	startErr error
}

func (r *fakeRuntime) Pull(ctx context.Context, image string) error {
	r.pulled = append(r.pulled, image)
	return nil
}

func (r *fakeRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	r.created = append(r.created, spec)
	return "ctr-1", nil
}

func (r *fakeRuntime) Start(ctx context.Context, id string) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, id)
	return nil
}

func (r *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error { return nil }

func (r *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	r.removed = append(r.removed, id)
	return nil
}

func (r *fakeRuntime) Inspect(ctx context.Context, id string) (*State, error) {
	status := r.status
	if status == "" {
		status = "running"
	}
	return &State{ID: id, Status: status, ExitCode: 1}, nil
}

func (r *fakeRuntime) Logs(ctx context.Context, id string, tail string) (io.ReadCloser, error) {
	return nil, nil
}

func (r *fakeRuntime) Ping(ctx context.Context) error { return nil }
func (r *fakeRuntime) Close() error                   { return nil }

type fakeApprover struct {
	approve  bool
	lastRisk v1.RiskLevel
}

func (a *fakeApprover) RequestApproval(ctx context.Context, req *v1.ApprovalRequest) (bool, error) {
	a.lastRisk = req.RiskLevel
	return a.approve, nil
}

func newInstallerFixture(t *testing.T, runtime *fakeRuntime, approver *fakeApprover) (*Installer, *registry.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := registry.Open(config.RegistryConfig{WorkingDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateAgent(&v1.Agent{
		ID: "beta", Name: "beta", SystemPrompt: "p",
		Capabilities: []string{"summarize"},
		Resources:    v1.DefaultResourceLimits(),
		Status:       v1.AgentStatusRunning,
		CreatedAt:    time.Now().UTC(),
	}))

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	return NewInstaller(runtime, store, approver, eventBus, log), store
}

func TestInstallRegistersCapabilities(t *testing.T) {
	runtime := &fakeRuntime{}
	approver := &fakeApprover{approve: true}
	installer, store := newInstallerFixture(t, runtime, approver)

	id, err := installer.Install(context.Background(), "beta", "tools/web:1", []string{"web-search", "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "ctr-1", id)
	assert.Equal(t, v1.RiskHigh, approver.lastRisk)
	assert.Equal(t, []string{"tools/web:1"}, runtime.pulled)
	require.Len(t, runtime.created, 1)
	assert.Equal(t, "beta", runtime.created[0].Labels[LabelAgent])

	agent, err := store.GetAgent("beta")
	require.NoError(t, err)
	// summarize was already present, web-search is new
	assert.Equal(t, []string{"summarize", "web-search"}, agent.Capabilities)
}

func TestInstallDeniedWithoutApproval(t *testing.T) {
	runtime := &fakeRuntime{}
	installer, store := newInstallerFixture(t, runtime, &fakeApprover{approve: false})

	_, err := installer.Install(context.Background(), "beta", "tools/web:1", []string{"web-search"})
	assert.True(t, errdefs.IsConflict(err))
	assert.Empty(t, runtime.pulled)

	agent, err := store.GetAgent("beta")
	require.NoError(t, err)
	assert.Equal(t, []string{"summarize"}, agent.Capabilities)
}

func TestInstallCleansUpDeadContainer(t *testing.T) {
	runtime := &fakeRuntime{status: "exited"}
	installer, _ := newInstallerFixture(t, runtime, &fakeApprover{approve: true})

	_, err := installer.Install(context.Background(), "beta", "tools/web:1", []string{"web-search"})
	require.Error(t, err)
	assert.Equal(t, []string{"ctr-1"}, runtime.removed)
}

func TestInstallValidation(t *testing.T) {
	installer, _ := newInstallerFixture(t, &fakeRuntime{}, &fakeApprover{approve: true})

	_, err := installer.Install(context.Background(), "beta", "", []string{"x"})
	assert.True(t, errdefs.IsInvalid(err))

	_, err = installer.Install(context.Background(), "beta", "img", nil)
	assert.True(t, errdefs.IsInvalid(err))

	_, err = installer.Install(context.Background(), "ghost", "img", []string{"x"})
	assert.True(t, errdefs.IsNotFound(err))
}
