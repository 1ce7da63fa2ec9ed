package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/xaydras-2/containerNursery/App/structers"
)

// Runtime is what a backend needs from the container engine. Start and Stop must be
// idempotent. Events and Stats streams close their first channel when ctx is done or
// the stream breaks; the error channel then holds the cause, if any.
type Runtime interface {
	IsRunning(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Events(ctx context.Context, names []string) (<-chan structers.ContainerEvent, <-chan error)
	Stats(ctx context.Context, name string) (<-chan structers.StatsSample, <-chan error)
}

// DockerRuntime drives containers through the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects using the DOCKER_HOST environment, or the local socket.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client init: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// IsRunning reports a missing container as not running.
func (d *DockerRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	insp, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %q: %w", name, err)
	}
	return insp.State != nil && insp.State.Running, nil
}

func (d *DockerRuntime) Start(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", name, err)
	}
	return nil
}

// Stop treats a container that no longer exists as stopped.
func (d *DockerRuntime) Stop(ctx context.Context, name string) error {
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %q: %w", name, err)
	}
	return nil
}

// Events subscribes to start, stop and die events of the named containers.
// A die is reported as a stop.
func (d *DockerRuntime) Events(ctx context.Context, names []string) (<-chan structers.ContainerEvent, <-chan error) {
	args := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("event", string(events.ActionStart)),
		filters.Arg("event", string(events.ActionStop)),
		filters.Arg("event", string(events.ActionDie)),
	)
	for _, name := range names {
		args.Add("container", name)
	}

	msgs, errs := d.cli.Events(ctx, events.ListOptions{Filters: args})
	out := make(chan structers.ContainerEvent)
	outErr := make(chan error, 1)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if ok && err != nil && ctx.Err() == nil {
					outErr <- err
				}
				return
			case msg := <-msgs:
				ev, ok := translateEvent(msg)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, outErr
}

func translateEvent(msg events.Message) (structers.ContainerEvent, bool) {
	ev := structers.ContainerEvent{Container: msg.Actor.Attributes["name"]}
	switch msg.Action {
	case events.ActionStart:
		ev.Action = structers.EventStart
	case events.ActionStop, events.ActionDie:
		ev.Action = structers.EventStop
	default:
		return ev, false
	}
	return ev, ev.Container != ""
}

// Stats streams the raw CPU counters of a container, one sample per engine tick.
func (d *DockerRuntime) Stats(ctx context.Context, name string) (<-chan structers.StatsSample, <-chan error) {
	out := make(chan structers.StatsSample)
	outErr := make(chan error, 1)

	go func() {
		defer close(out)

		statsRes, err := d.cli.ContainerStats(ctx, name, true)
		if err != nil {
			if ctx.Err() == nil {
				outErr <- fmt.Errorf("failed to get stats: %w", err)
			}
			return
		}
		defer statsRes.Body.Close()

		dec := json.NewDecoder(statsRes.Body)
		for {
			var s container.StatsResponse
			if err := dec.Decode(&s); err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					outErr <- fmt.Errorf("failed to decode stats: %w", err)
				}
				return
			}

			select {
			case out <- sampleFromStats(s):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, outErr
}

func sampleFromStats(s container.StatsResponse) structers.StatsSample {
	// older engines leave online_cpus empty
	cpus := s.CPUStats.OnlineCPUs
	if cpus == 0 {
		cpus = uint32(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	return structers.StatsSample{
		CPUUsage:    s.CPUStats.CPUUsage.TotalUsage,
		SystemUsage: s.CPUStats.SystemUsage,
		OnlineCPUs:  cpus,
	}
}
