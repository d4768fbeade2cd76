// Package docker implements the engine.Engine interface using the
// Docker daemon to run ephemeral test workers as containers. It is the
// local-hypervisor counterpart to the cloud backend, used for Linux
// test runs on the orchestrator host itself.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/conveyor-ci/conveyor/internal/engine"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for workers. It carries the
	// build toolchain and the regression sample snapshot.
	Image string

	// NamePrefix marks containers managed by this orchestrator so
	// ListWorkers never touches unrelated containers on the daemon.
	// Default: "ci-worker-".
	NamePrefix string
}

// Engine manages test workers as Docker containers.
type Engine struct {
	client *dockerclient.Client
	image  string
	prefix string
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]string // name -> containerID
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon, and pulls the
// worker image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "ci-worker-"
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling worker image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("worker image ready", slog.String("image", cfg.Image))

	return &Engine{
		client:     client,
		image:      cfg.Image,
		prefix:     cfg.NamePrefix,
		logger:     logger,
		containers: make(map[string]string),
	}, nil
}

// StartWorker creates and starts a container that builds the commit
// under test and runs the regression suite. The test parameters are
// passed as environment variables.
func (e *Engine) StartWorker(ctx context.Context, spec engine.WorkerSpec) (string, error) {
	env := []string{
		fmt.Sprintf("REPORT_URL=%s", spec.ReportURL),
		fmt.Sprintf("COMMIT_HASH=%s", spec.CommitHash),
		fmt.Sprintf("BRANCH=%s", spec.Branch),
		fmt.Sprintf("WORKER_TOKEN=%s", spec.Token),
		fmt.Sprintf("PLATFORM=%s", spec.Platform),
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: e.image,
			Env:   env,
		},
		nil, // host config
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", spec.Name, err)
	}

	e.mu.Lock()
	e.containers[spec.Name] = resp.ID
	e.mu.Unlock()

	e.logger.Info("worker started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

// DestroyWorker force-removes the container identified by id,
// permanently destroying the ephemeral worker. Removing an
// already-removed container is not an error.
func (e *Engine) DestroyWorker(ctx context.Context, id string) error {
	e.logger.Info("destroying worker", slog.String("containerID", id))

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			e.removeFromTracking(id)
			return nil
		}
		return fmt.Errorf("container remove %s: %w", id, err)
	}

	e.removeFromTracking(id)
	return nil
}

// ListWorkers returns every running container whose name carries the
// managed prefix.
func (e *Engine) ListWorkers(ctx context.Context) ([]engine.WorkerInfo, error) {
	list, err := e.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", e.prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var workers []engine.WorkerInfo
	for _, c := range list {
		name := containerName(c.Names)
		if !strings.HasPrefix(name, e.prefix) {
			continue
		}
		workers = append(workers, engine.WorkerInfo{
			ID:      c.ID,
			Name:    name,
			Created: time.Unix(c.Created, 0).UTC(),
		})
	}
	return workers, nil
}

// Shutdown force-removes every container this engine is tracking.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	snapshot := make(map[string]string, len(e.containers))
	for k, v := range e.containers {
		snapshot[k] = v
	}
	e.mu.Unlock()

	var firstErr error
	for name, id := range snapshot {
		e.logger.Info("shutdown: removing worker",
			slog.String("name", name),
			slog.String("containerID", id),
		)
		if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Error("shutdown: failed to remove worker",
				slog.String("name", name),
				slog.String("containerID", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	e.mu.Lock()
	clear(e.containers)
	e.mu.Unlock()

	return firstErr
}

func (e *Engine) removeFromTracking(id string) {
	e.mu.Lock()
	for name, cid := range e.containers {
		if cid == id {
			delete(e.containers, name)
			break
		}
	}
	e.mu.Unlock()
}

// containerName strips the daemon's leading slash from the first
// reported name.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
