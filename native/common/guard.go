package common

import "errors"

// ModuleEscrow is the pause toggle name covering all escrow write operations.
const ModuleEscrow = "escrow"

// ErrModulePaused is returned when a write operation targets a paused module.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the pause toggles consulted before mutating operations.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the operation when the named module is paused. A nil view or
// empty module name fails open so read paths never block on configuration.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
