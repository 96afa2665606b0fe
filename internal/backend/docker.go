package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/config"
)

// Docker runs each session as a detached container on the local daemon.
// Containers are kept after exit so status and logs stay readable until
// DeleteJob removes them.
type Docker struct {
	client      *client.Client
	image       string
	command     []string
	memoryBytes int64
	networkMode string
	logger      *slog.Logger
}

// NewDocker connects using the standard DOCKER_* environment.
func NewDocker(cfg config.DockerConfig, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	image := cfg.Image
	if image == "" {
		image = "busybox:1.36"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	networkMode := cfg.NetworkMode
	if networkMode == "" {
		networkMode = "none"
	}

	return &Docker{
		client:      cli,
		image:       image,
		command:     cfg.Command,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		logger:      logger.With("component", "backend", "backend", "docker"),
	}, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) CreateJob(ctx context.Context, sessionID, prompt string, extra map[string]string) (JobRef, error) {
	name := JobName(sessionID)

	env := []string{"SESSION_ID=" + sessionID, "PROMPT=" + prompt}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, extraEnvName(key)+"="+extra[key])
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   append(append([]string{}, d.command...), prompt),
		Env:   env,
		Tty:   false,
		Labels: map[string]string{
			labelManagedBy: "clawmesh",
			labelSessionID: sessionID,
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryBytes,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
	}, nil, nil, name)

	id := resp.ID
	if errdefs.IsConflict(err) {
		existing, ierr := d.client.ContainerInspect(ctx, name)
		if ierr != nil {
			return JobRef{}, d.mapErr("create", JobRef{Name: name}, ierr)
		}
		d.logger.Info("container already exists, reusing", "job", name, "session_id", sessionID)
		id = existing.ID
		if existing.State == nil || string(existing.State.Status) != "created" {
			return d.ref(name, id), nil
		}
	} else if err != nil {
		return JobRef{}, d.mapErr("create", JobRef{Name: name}, err)
	}

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return JobRef{}, d.mapErr("start", JobRef{Name: name}, err)
	}
	d.logger.Info("container started", "job", name, "container_id", id, "session_id", sessionID)
	return d.ref(name, id), nil
}

func (d *Docker) GetStatus(ctx context.Context, ref JobRef) (JobStatus, error) {
	info, err := d.client.ContainerInspect(ctx, d.target(ref))
	if err != nil {
		return "", d.mapErr("get_status", ref, err)
	}
	if info.State == nil {
		return JobPending, nil
	}
	return containerStatus(string(info.State.Status), info.State.ExitCode), nil
}

// containerStatus maps a docker state string and exit code onto JobStatus.
func containerStatus(state string, exitCode int) JobStatus {
	switch state {
	case "created":
		return JobPending
	case "running", "restarting", "paused":
		return JobRunning
	case "exited":
		if exitCode == 0 {
			return JobCompleted
		}
		return JobFailed
	case "dead", "removing":
		return JobFailed
	default:
		return JobPending
	}
}

func (d *Docker) GetLogs(ctx context.Context, ref JobRef, maxLines int) ([]string, error) {
	if maxLines <= 0 {
		maxLines = DefaultLogLines
	}
	out, err := d.client.ContainerLogs(ctx, d.target(ref), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(maxLines),
	})
	if err != nil {
		return nil, d.mapErr("get_logs", ref, err)
	}
	defer out.Close()

	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, out); err != nil {
		return nil, d.mapErr("get_logs", ref, err)
	}
	return TailLines(combined.String(), maxLines), nil
}

func (d *Docker) DeleteJob(ctx context.Context, ref JobRef) error {
	if err := d.client.ContainerRemove(ctx, d.target(ref), container.RemoveOptions{Force: true}); err != nil {
		return d.mapErr("delete", ref, err)
	}
	d.logger.Info("container removed", "job", ref.Name)
	return nil
}

// Close closes the docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) target(ref JobRef) string {
	if ref.ID != "" {
		return ref.ID
	}
	return ref.Name
}

func (d *Docker) ref(name, id string) JobRef {
	return JobRef{Backend: d.Name(), Name: name, ID: id}
}

func (d *Docker) mapErr(op string, ref JobRef, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return apperr.Wrap(apperr.CodeNotFound, err, fmt.Sprintf("job %q not found", ref.Name))
	case errdefs.IsUnavailable(err), errdefs.IsDeadline(err), client.IsErrConnectionFailed(err):
		return apperr.Wrap(apperr.CodeBackendUnavailable, err, op+": docker daemon unavailable")
	case errdefs.IsInvalidParameter(err), errdefs.IsForbidden(err), errdefs.IsConflict(err),
		errdefs.IsUnauthorized(err), errdefs.IsSystem(err):
		return apperr.Wrap(apperr.CodeBackendFailure, err, op+": docker rejected the request")
	}
	return classify(op, err)
}

// Ping checks that the daemon answers.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return d.mapErr("ping", JobRef{}, err)
	}
	return nil
}
