// Package docker verifies container→IP bindings against the Docker Engine
// at session registration time.
//
// The launcher claims "container C has IP A on the overlay network"; with
// verification enabled the gateway refuses to mint a session unless the
// engine agrees. This stops a compromised launcher credential from binding
// a session to an attacker-controlled address.
package docker

import (
	"context"
	"fmt"

	dockerclient "github.com/docker/docker/client"
)

// Verifier checks registration claims against the Docker Engine API.
type Verifier struct {
	client  *dockerclient.Client
	network string
}

// New creates a Verifier. network restricts the check to one Docker network
// name; empty means any attached network may carry the claimed IP.
// Uses the DOCKER_HOST env var or the default socket path.
func New(network string) (*Verifier, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Verifier{client: cli, network: network}, nil
}

// VerifyBinding confirms that containerID exists, is running, and holds
// claimedIP on the configured network. Any mismatch is an error; callers
// translate it into an unauthorized registration.
func (v *Verifier) VerifyBinding(ctx context.Context, containerID, claimedIP string) error {
	info, err := v.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("inspect container %q: %w", containerID, err)
	}
	if info.State == nil || !info.State.Running {
		return fmt.Errorf("container %q is not running", containerID)
	}
	if info.NetworkSettings == nil {
		return fmt.Errorf("container %q has no network settings", containerID)
	}

	for name, ep := range info.NetworkSettings.Networks {
		if v.network != "" && name != v.network {
			continue
		}
		if ep.IPAddress == claimedIP {
			return nil
		}
	}
	return fmt.Errorf("container %q does not hold IP %s on network %q",
		containerID, claimedIP, v.network)
}

// Close releases the underlying Docker client.
func (v *Verifier) Close() error {
	return v.client.Close()
}
