package sandbox

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

// ArtifactEnvVar carries the artifact read URL into the sandbox.
const ArtifactEnvVar = "BLOBURI"

// RegistryCredential authenticates image pulls.
type RegistryCredential struct {
	Server   string
	Username string
	Password string
}

// Spec is the fixed shape of every sandbox.
type Spec struct {
	Location string
	Image    string
	Command  []string
	CPU      float64
	MemoryGB float64
	Registry RegistryCredential
}

// DefaultSpec returns the resource shape and launch command used when
// nothing is configured.
func DefaultSpec() Spec {
	return Spec{
		CPU:      1,
		MemoryGB: 1.5,
		Command:  []string{"/bin/sh", "-c", "/home/run.sh $" + ArtifactEnvVar},
	}
}

// Validate checks the image reference and fills in the registry server
// from it when none is set.
func (s *Spec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("sandbox image is required")
	}
	ref, err := name.ParseReference(s.Image)
	if err != nil {
		return fmt.Errorf("parsing sandbox image %q: %w", s.Image, err)
	}
	if s.Registry.Server == "" {
		s.Registry.Server = ref.Context().RegistryStr()
	}
	if s.CPU <= 0 || s.MemoryGB <= 0 {
		return fmt.Errorf("sandbox resources must be positive (cpu=%v, memory=%vGB)", s.CPU, s.MemoryGB)
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("sandbox command is required")
	}
	return nil
}
