package model

import (
	"fmt"
	"time"
)

type EnvState string

const (
	EnvCreated EnvState = "created"
	EnvRunning EnvState = "running"
	EnvStopped EnvState = "stopped"
	EnvRemoved EnvState = "removed"
)

var envStateOrder = map[EnvState]int{
	EnvCreated: 0,
	EnvRunning: 1,
	EnvStopped: 2,
	EnvRemoved: 3,
}

// Environment is one provisioned container. It is held by a single workflow
// run for its lifetime and never shared between runs.
type Environment struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Descriptor Descriptor `json:"descriptor"`
	State      EnvState   `json:"state"`
	HostPort   int        `json:"hostPort,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Advance moves the environment to next. Moving backwards is an error;
// advancing to the current state is a no-op.
func (e *Environment) Advance(next EnvState) error {
	cur, ok := envStateOrder[e.State]
	if !ok {
		cur = -1
	}
	n, ok := envStateOrder[next]
	if !ok {
		return fmt.Errorf("unknown environment state %q", next)
	}
	if n < cur {
		return fmt.Errorf("environment %s: cannot move from %s back to %s", e.Name, e.State, next)
	}
	e.State = next
	return nil
}

func (e *Environment) Removed() bool {
	return e.State == EnvRemoved
}
