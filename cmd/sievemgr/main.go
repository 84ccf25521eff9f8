package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "caps":
		handleCaps(args)
	case "list":
		handleList(args)
	case "get":
		handleGet(args)
	case "put":
		handlePut(args)
	case "check":
		handleCheck(args)
	case "activate":
		handleActivate(args)
	case "deactivate":
		handleDeactivate(args)
	case "delete":
		handleDelete(args)
	case "rename":
		handleRename(args)
	case "push":
		handlePush(args)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`sievemgr - manage Sieve scripts over ManageSieve

Usage:
  sievemgr <command> [options] [arguments]

Commands:
  caps                   Show the server capabilities
  list                   List scripts, the active one is marked
  get <name>             Print a script
  put <name> <file>      Upload a script, "-" reads standard input
  check <file>           Let the server validate a script
  activate <name>        Make a script the active one
  deactivate             Deactivate the active script
  delete <name>          Delete a script
  rename <old> <new>     Rename a script
  push <dir>             Upload every *.sieve file of dir that changed
  help                   Show this help message

Common options:
  --config string        Path to TOML configuration file (default: sievemgr.toml)
  --account string       Account to use (default: first account)
  --verbose              Log the protocol exchange

Options go before arguments:
  sievemgr put --account work --activate vacation vacation.sieve

Use 'sievemgr <command> --help' for more information about a command.
`)
}
