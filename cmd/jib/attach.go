package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"jib/internal/container"
)

// newAttachCmd attaches the caller's terminal to an interactive shell
// running inside a sandbox container: `docker exec -it` wrapped in a
// local pty, stdin/stdout wired straight through to the caller's own
// terminal.
func newAttachCmd() *cobra.Command {
	var shell string
	cmd := &cobra.Command{
		Use:   "attach <container_id>",
		Short: "attach an interactive TTY to a running sandbox container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return attach(args[0], shell)
		},
	}
	cmd.Flags().StringVar(&shell, "shell", "/bin/bash", "shell to exec inside the container")
	return cmd
}

func attach(containerID, shell string) error {
	dockerCmd := exec.Command("docker", "exec", "-it", container.Name(containerID), shell)

	ptmx, err := pty.Start(dockerCmd)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	if size, err := pty.GetsizeFull(os.Stdin); err == nil {
		_ = pty.Setsize(ptmx, size)
	}

	stdinFD := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFD) {
		oldState, err := term.MakeRaw(stdinFD)
		if err != nil {
			return fmt.Errorf("set raw terminal: %w", err)
		}
		defer term.Restore(stdinFD, oldState)
	}

	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	_, _ = io.Copy(os.Stdout, ptmx)

	return dockerCmd.Wait()
}
