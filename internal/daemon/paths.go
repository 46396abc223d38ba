package daemon

import (
	"path/filepath"
)

// Runtime files live under <home>/run. Store data stays elsewhere: <home>/outboxes
// for the file store and <home>/protected/outboxes.sqlite for sqlite.
func runDir(home string) string {
	return filepath.Join(home, "run")
}

func pidPath(home string) string {
	return filepath.Join(runDir(home), "daemon.pid")
}

func lockPath(home string) string {
	return filepath.Join(runDir(home), "daemon.lock")
}

func addrPath(home string) string {
	return filepath.Join(runDir(home), "daemon.addr")
}

func logPath(home string) string {
	return filepath.Join(runDir(home), "daemon.log")
}
