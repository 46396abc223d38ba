package lock

import "time"

const pollInterval = 10 * time.Millisecond
