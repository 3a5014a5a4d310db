package filemanager

import "github.com/nebulastore/nebulastore/nserr"

// WriteController gates delete and consolidation paths behind a single
// enable flag, independent of FileEvaluator's sizing policy.
type WriteController struct {
	CleanupEnabled bool
}

// NewWriteController builds a controller with cleanup enabled by default.
func NewWriteController() *WriteController {
	return &WriteController{CleanupEnabled: true}
}

// ValidateCleanupEnabled returns CleanupDisabled when cleanup is turned off.
// Delete and consolidation paths must call this before acting.
func (c *WriteController) ValidateCleanupEnabled() error {
	if !c.CleanupEnabled {
		return nserr.CleanupDisabledErr()
	}
	return nil
}
