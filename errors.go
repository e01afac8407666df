package wristcore

import (
	"errors"
	"fmt"

	"github.com/hupe1980/wristcore/appcache"
	"github.com/hupe1980/wristcore/install"
	"github.com/hupe1980/wristcore/internal/memseg"
	"github.com/hupe1980/wristcore/internal/reboot"
	"github.com/hupe1980/wristcore/settings"
	"github.com/hupe1980/wristcore/wakeup"
)

var (
	// ErrNotFound is returned when an install, wakeup or setting is unknown.
	ErrNotFound = errors.New("not found")
	// ErrNoSpace is returned when flash or RAM cannot hold a request.
	ErrNoSpace = errors.New("no space")
	// ErrRebooting is wrapped by every error after a fatal condition.
	ErrRebooting = reboot.ErrRebooting
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, install.ErrNotFound) ||
		errors.Is(err, wakeup.ErrNotFound) ||
		errors.Is(err, appcache.ErrNotFound) ||
		errors.Is(err, settings.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	// Space exhaustion.
	if errors.Is(err, appcache.ErrCacheFull) ||
		errors.Is(err, settings.ErrOutOfStorage) ||
		errors.Is(err, memseg.ErrInsufficientSpace) {
		return fmt.Errorf("%w: %w", ErrNoSpace, err)
	}

	return err
}
