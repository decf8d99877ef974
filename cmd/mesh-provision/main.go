package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/meshlink/provisioner/internal/log"
	"github.com/meshlink/provisioner/pkg/cli"
	"github.com/meshlink/provisioner/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Provisioning over PB-GATT requires a network key (-netkey-name) and a device selection
   (-uuid, -address or -name).
 * Settings shared between runs (next unicast address, IV index, OOB policy) are read from the
   YAML file given by -settings.
 * Provisioned nodes and their device keys are recorded in the file given by -node-cache, and new
   devices are assigned addresses that no recorded node uses.
 * Without a COMMAND, an interactive shell is started.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	printCommands(os.Stdout)
}

func printCommands(w io.Writer) {
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		maxLength = max(maxLength, len(command))
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Fprintf(w, "  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(e *env, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, e, args); err != nil {
		var provErr *protocol.ProvisioningError
		if errors.As(err, &provErr) {
			writeErr("Provisioning failed: %s", provErr)
			if provErr.Remote {
				writeErr("The device reported the failure.")
			}
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		// go-ble reports a missing capability only through the error text.
		if strings.Contains(err.Error(), "operation not permitted") {
			writeErr("\nTry again after granting this application CAP_NET_ADMIN:\n\n\tsudo setcap 'cap_net_admin=eip' \"$(which %s)\"\n", os.Args[0])
		}
		return 1
	}
	return 0
}

// linePrompt reads input from stdin when no shell is running.
func linePrompt(reader *bufio.Reader) func(string) (string, error) {
	return func(label string) (string, error) {
		fmt.Fprintf(os.Stderr, "%s: ", label)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		commandTimeout time.Duration
		envFile        string
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", err)
		return
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.DurationVar(&commandTimeout, "command-timeout", 10*time.Minute, "Set timeout for a command, including connection and user input.")
	flag.StringVar(&envFile, "env", ".env", "Load environment variables from `file` if it exists")
	config.RegisterCommandLineFlags()
	flag.Parse()

	if debug {
		log.SetLevel(log.LevelDebug)
	}
	if err := cli.LoadEnvFiles(envFile); err != nil {
		writeErr("Error loading environment: %s", err)
		return
	}
	if !debug {
		if debugEnv, ok := os.LookupEnv("MESH_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
		if debug {
			log.SetLevel(log.LevelDebug)
		}
	}

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			if len(args) == 1 {
				Usage()
				status = 0
				return
			}
			info, ok := commands[args[1]]
			if !ok {
				writeErr("Unrecognized command: %s", args[1])
				return
			}
			info.Usage(os.Stdout, args[1])
			status = 0
			return
		}
		if err := configureFlags(config, args[0]); err != nil {
			writeErr("%s: %s", err, args[0])
			return
		}
	}
	config.ReadFromEnvironment()
	defer func() {
		if err := config.Close(); err != nil {
			writeErr("Error closing resources: %s", err)
		}
	}()

	if _, err := config.Settings(); err != nil {
		writeErr("Error loading settings: %s", err)
		return
	}
	if !debug {
		if err := config.ApplyLogLevel(); err != nil {
			writeErr("Error: %s", err)
			return
		}
	}

	e := &env{config: config, out: os.Stdout}
	if len(args) > 0 {
		if commands[args[0]].requiresNetKey {
			if err := config.LoadCredentials(); err != nil {
				writeErr("Error loading credentials: %s", err)
				return
			}
		}
		e.prompt = linePrompt(bufio.NewReader(os.Stdin))
		status = runCommand(e, args, commandTimeout)
	} else {
		status = runInteractiveShell(e, commandTimeout)
	}
}
