package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// runFunc executes the docker CLI and returns its stdout.
type runFunc func(ctx context.Context, args ...string) (string, error)

// DockerProvisioner runs sandboxes as local Docker containers. It serves
// development setups without Azure; the container still fetches its
// artifact from the read URL.
type DockerProvisioner struct {
	spec Spec
	run  runFunc
}

// NewDockerProvisioner creates a provisioner that shells out to docker.
func NewDockerProvisioner(spec Spec) *DockerProvisioner {
	return &DockerProvisioner{spec: spec, run: runDocker}
}

func (d *DockerProvisioner) Create(ctx context.Context, h Handle, artifactURL string) error {
	args := []string{
		"run", "--detach",
		"--name", h.Name,
		"--cpus", strconv.FormatFloat(d.spec.CPU, 'f', -1, 64),
		"--memory", strconv.FormatFloat(d.spec.MemoryGB*1024, 'f', 0, 64) + "m",
		"--env", ArtifactEnvVar + "=" + artifactURL,
		"--label", "codebox.sandbox=" + h.Name,
		d.spec.Image,
	}
	args = append(args, d.spec.Command...)

	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("creating container %s: %w", h.Name, err)
	}
	return nil
}

// State maps the container status onto the sandbox lifecycle. An exited
// container succeeded only with exit code 0.
func (d *DockerProvisioner) State(ctx context.Context, h Handle) (State, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.Status}} {{.State.ExitCode}}", h.Name)
	if err != nil && strings.Contains(err.Error(), "No such object") {
		return "", fmt.Errorf("inspecting container %s: %w", h.Name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("inspecting container %s: %w", h.Name, err)
	}

	fields := strings.Fields(out)
	if len(fields) != 2 {
		return "", fmt.Errorf("inspecting container %s: unexpected output %q", h.Name, out)
	}
	switch fields[0] {
	case "created", "running", "restarting", "paused":
		return StateRunning, nil
	case "exited":
		if fields[1] == "0" {
			return StateSucceeded, nil
		}
		return StateFailed, nil
	default:
		return StateFailed, nil
	}
}

func (d *DockerProvisioner) Logs(ctx context.Context, h Handle) (string, error) {
	out, err := d.run(ctx, "logs", h.Name)
	if err != nil {
		return "", fmt.Errorf("reading logs for %s: %w", h.Name, err)
	}
	return out, nil
}

// Delete force-removes the container. A missing container counts as
// deleted.
func (d *DockerProvisioner) Delete(ctx context.Context, h Handle) error {
	_, err := d.run(ctx, "rm", "--force", h.Name)
	if err != nil && !strings.Contains(err.Error(), "No such container") {
		return fmt.Errorf("removing container %s: %w", h.Name, err)
	}
	return nil
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("docker %s: exit %d: %s", args[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("running docker: %w", err)
	}
	// docker logs writes the container's stderr to its own stderr.
	if args[0] == "logs" {
		return stdout.String() + stderr.String(), nil
	}
	return strings.TrimSpace(stdout.String()), nil
}
