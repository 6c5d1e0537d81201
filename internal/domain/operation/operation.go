// Package operation defines the Operation Descriptor: the immutable
// configuration that tells the server how to run one named operation.
package operation

import (
	"errors"
	"fmt"
	"time"
)

// DescriptorFile is the name of the descriptor file inside an operation's home directory.
const DescriptorFile = "operation.json"

// Kind selects the backend that executes an operation.
type Kind string

const (
	KindProgram   Kind = "program"   // Local subprocess
	KindSimulator Kind = "simulator" // Remote simulator speaking the session protocol
)

// PortParameters declares the variable names passed through files.
type PortParameters struct {
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// Simulator holds settings for operations of kind simulator.
type Simulator struct {
	Endpoint     string   `json:"endpoint"`
	PollInterval Duration `json:"pollInterval"`
}

// Descriptor describes how to run one operation. It is loaded once and never
// mutated afterwards; sessions share it by pointer.
type Descriptor struct {
	ID                       string         `json:"id"`
	Kind                     Kind           `json:"kind"`
	Command                  []string       `json:"command"`
	WorkingDirectory         string         `json:"workingDirectory"`
	PortParameters           PortParameters `json:"portParameters"`
	OptionParameters         []string       `json:"optionParameters"`
	Async                    bool           `json:"async"`
	ConcurrentExecution      bool           `json:"concurrentExecution"`
	AddPortFileToCommandLine bool           `json:"addPortFileToCommandLine"`
	Timeout                  Duration       `json:"timeout"`
	SessionRetainTimeout     Duration       `json:"sessionRetainTimeout"`
	Simulator                *Simulator     `json:"simulator,omitempty"`
}

// Retention returns the closed-session retention window, falling back to def.
func (d *Descriptor) Retention(def time.Duration) time.Duration {
	if d.SessionRetainTimeout > 0 {
		return time.Duration(d.SessionRetainTimeout)
	}
	return def
}

// IsInput reports whether name is accepted as an input variable. An
// operation that declares no inputs accepts any name.
func (d *Descriptor) IsInput(name string) bool {
	return acceptsName(d.PortParameters.Inputs, name)
}

// IsOutput reports whether name is accepted as an output variable. An
// operation that declares no outputs accepts any name.
func (d *Descriptor) IsOutput(name string) bool {
	return acceptsName(d.PortParameters.Outputs, name)
}

// IsOption reports whether name is a declared option parameter.
func (d *Descriptor) IsOption(name string) bool {
	for _, o := range d.OptionParameters {
		if o == name {
			return true
		}
	}
	return false
}

func acceptsName(declared []string, name string) bool {
	if len(declared) == 0 {
		return true
	}
	for _, n := range declared {
		if n == name {
			return true
		}
	}
	return false
}

// Validate performs the structural checks applied after parsing.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("id is required")
	}
	switch d.Kind {
	case KindProgram:
		if len(d.Command) == 0 {
			return errors.New("command is required")
		}
	case KindSimulator:
		if d.Simulator == nil || d.Simulator.Endpoint == "" {
			return errors.New("simulator.endpoint is required")
		}
	default:
		return fmt.Errorf("invalid kind %q", d.Kind)
	}
	if d.Timeout < 0 || d.SessionRetainTimeout < 0 {
		return errors.New("durations must be non-negative")
	}

	seen := make(map[string]string)
	for group, names := range map[string][]string{
		"inputs":  d.PortParameters.Inputs,
		"outputs": d.PortParameters.Outputs,
		"options": d.OptionParameters,
	} {
		for _, n := range names {
			if n == "" {
				return fmt.Errorf("empty parameter name in %s", group)
			}
			if prev, ok := seen[n]; ok && prev != group {
				return fmt.Errorf("parameter %q declared in both %s and %s", n, prev, group)
			}
			seen[n] = group
		}
	}
	return nil
}
