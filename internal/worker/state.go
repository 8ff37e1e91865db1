package worker

import (
	"errors"
	"fmt"
	"slices"
)

// State 是单个 worker 实例的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant 表示安装失败或已被新版本取代。
	StateRedundant State = "redundant"
)

// ErrInvalidTransition 表示状态机不允许的迁移。
var ErrInvalidTransition = errors.New("invalid worker state transition")

var transitions = map[State][]State{
	StateParsed:     {StateInstalling, StateRedundant},
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActivated, StateRedundant},
	StateActivated:  {StateRedundant},
}

func checkTransition(from, to State) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
