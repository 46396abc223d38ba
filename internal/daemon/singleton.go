package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ankittk/taskcoord/internal/lock"
)

// ErrAlreadyRunning is returned when another daemon holds the home's singleton lock.
var ErrAlreadyRunning = errors.New("taskcoord daemon is already running")

const singletonWait = 100 * time.Millisecond

// acquireSingleton takes the exclusive daemon lock for home. The returned
// function releases it.
func acquireSingleton(ctx context.Context, home string) (func(), error) {
	fl, err := lock.LockFile(ctx, lockPath(home), true, singletonWait)
	if errors.Is(err, lock.ErrTimeout) {
		return nil, fmt.Errorf("%w (lock %s held)", ErrAlreadyRunning, lockPath(home))
	}
	if err != nil {
		return nil, err
	}
	return fl.Unlock, nil
}
