package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"

	"github.com/meshlink/provisioner/internal/log"
	"github.com/meshlink/provisioner/pkg/cli"
)

const shellPrompt = "mesh> "

func runInteractiveShell(e *env, timeout time.Duration) int {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          shellPrompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		writeErr("Failed to start shell: %s", err)
		return 1
	}
	defer rl.Close()

	// Log lines and prompts share the terminal with the line editor.
	log.SetOutput(rl.Stderr())
	defer log.SetOutput(nil)
	e.out = rl.Stdout()
	e.prompt = func(label string) (string, error) {
		rl.SetPrompt(label + ": ")
		defer rl.SetPrompt(shellPrompt)
		line, err := rl.Readline()
		return strings.TrimSpace(line), err
	}
	e.config.Flags = cli.FlagAll

	fmt.Fprintln(e.out, "Type help for a list of commands, exit to quit.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return 0
		}
		args, err := shlex.Split(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			if len(args) > 1 {
				if info, ok := commands[args[1]]; ok {
					info.Usage(e.out, args[1])
					continue
				}
			}
			printCommands(e.out)
			continue
		}
		runCommand(e, args, timeout)
	}
}
