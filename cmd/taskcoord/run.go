package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ankittk/taskcoord/internal/cli"
	"github.com/ankittk/taskcoord/internal/outbox"
)

// Exit codes. Domain failures get their own code so scripts can branch on them.
const (
	exitOK          = 0
	exitError       = 1
	exitLockTimeout = 3
	exitNotFound    = 4
)

func Run(ctx context.Context, args []string) int {
	root := cli.NewRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch outbox.Kind(err) {
	case outbox.KindLockTimeout:
		return exitLockTimeout
	case outbox.KindNotFound:
		return exitNotFound
	}
	return exitError
}
