package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/fmueller/voxserve/internal/cli"
	"github.com/fmueller/voxserve/internal/config"
	"github.com/spf13/cobra"
)

const (
	exitFailure = 1
	// exitUsage covers bad arguments and configuration: nothing was served.
	exitUsage = 2
)

func main() {
	cmd := cli.NewRootCmd()
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, err)
	if hint := hintFor(err, cmd, os.Args[1:]); hint != "" {
		fmt.Fprintln(os.Stderr, hint)
	}
	os.Exit(exitCode(err))
}

func hintFor(err error, root *cobra.Command, args []string) string {
	switch {
	case err == nil:
		return ""
	case isUsageError(err):
		return fmt.Sprintf("Run '%s --help' for usage.", helpHintTarget(root, args))
	case errors.Is(err, config.ErrEnvFile):
		return "Check the --env-file path, or drop the flag to load ./.env when it exists."
	case errors.Is(err, config.ErrInvalid):
		return fmt.Sprintf("Check the flags and environment variables listed by '%s --help'.", helpHintTarget(root, args))
	case errors.Is(err, syscall.EADDRINUSE):
		return "Another process holds that address; choose a free one with --port or PORT."
	case errors.Is(err, cli.ErrServerUnreachable):
		return "Start a server with 'voxserve serve', or point --server (VOXSERVE_URL) at a running one."
	}
	return ""
}

func exitCode(err error) int {
	if isUsageError(err) || errors.Is(err, config.ErrInvalid) || errors.Is(err, config.ErrEnvFile) {
		return exitUsage
	}
	return exitFailure
}

// isUsageError matches cobra's argument and flag errors, which are plain
// strings.
func isUsageError(err error) bool {
	if err == nil {
		return false
	}

	message := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"invalid argument",
		"flag needs an argument",
		"accepts ",
		"requires at least",
		"requires at most",
		"requires between",
		"required flag",
	}

	for _, pattern := range patterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}

	return false
}

func helpHintTarget(root *cobra.Command, args []string) string {
	if root == nil {
		return "voxserve"
	}

	target := root.CommandPath()
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return target
	}

	found, _, err := root.Find(args)
	if err == nil && found != nil {
		return found.CommandPath()
	}

	return target
}
