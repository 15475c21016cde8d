package main

import "github.com/forgebay/forge/internal/model"

// exitCodeFor translates a top-level command error into the closed exit
// code set from spec.md §6/§7. Errors that never went through
// model.NewError classify as model.ErrInternal (exit 1).
func exitCodeFor(err error) int {
	return model.KindOf(err).ExitCode()
}
