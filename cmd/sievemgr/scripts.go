package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/migadu/sievemgr/helpers"
	"github.com/migadu/sievemgr/pkg/sievelint"
	"github.com/migadu/sievemgr/protocol"
	"github.com/migadu/sievemgr/session"
)

func handleCaps(args []string) {
	fs := flag.NewFlagSet("caps", flag.ExitOnError)
	opts := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Printf("Show the server capabilities\n\nUsage:\n  sievemgr caps [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	parseArgs(fs, args, 0)

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		printCapabilities(os.Stdout, s.Capabilities())
		return nil
	})
}

func printCapabilities(w io.Writer, caps *protocol.Capabilities) {
	if caps == nil {
		return
	}
	fmt.Fprintf(w, "Implementation: %s\n", helpers.SanitizeForDisplay(caps.Implementation))
	if caps.Version > 0 {
		fmt.Fprintf(w, "Version:        %.1f\n", caps.Version)
	}
	fmt.Fprintf(w, "SASL:           %s\n", helpers.SanitizeForDisplay(strings.Join(caps.SASL, " ")))
	fmt.Fprintf(w, "Extensions:     %s\n", helpers.SanitizeForDisplay(strings.Join(caps.Extensions, " ")))
	if len(caps.Notify) > 0 {
		fmt.Fprintf(w, "Notify:         %s\n", helpers.SanitizeForDisplay(strings.Join(caps.Notify, " ")))
	}
	if caps.MaxRedirects > 0 {
		fmt.Fprintf(w, "Max redirects:  %d\n", caps.MaxRedirects)
	}
	if caps.Owner != "" {
		fmt.Fprintf(w, "Owner:          %s\n", helpers.SanitizeForDisplay(caps.Owner))
	}
	var commands []string
	if caps.Compatibility.CheckScript {
		commands = append(commands, "CHECKSCRIPT")
	}
	if caps.Compatibility.RenameScript {
		commands = append(commands, "RENAMESCRIPT")
	}
	if caps.Compatibility.Noop {
		commands = append(commands, "NOOP")
	}
	if caps.Unauthenticate {
		commands = append(commands, "UNAUTHENTICATE")
	}
	fmt.Fprintf(w, "Commands:       %s\n", strings.Join(commands, " "))
}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	opts := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Printf("List scripts, the active one is marked with *\n\nUsage:\n  sievemgr list [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	parseArgs(fs, args, 0)

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		scripts, err := s.ListScripts(ctx)
		if err != nil {
			return err
		}
		for _, sc := range scripts {
			marker := " "
			if sc.Active {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, helpers.SanitizeForDisplay(sc.Name))
		}
		return nil
	})
}

func handleGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	opts := addCommonFlags(fs)
	output := fs.String("output", "", "Write the script to this file instead of standard output")
	fs.Usage = func() {
		fmt.Printf("Print a script\n\nUsage:\n  sievemgr get [options] <name>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	name := parseArgs(fs, args, 1)[0]

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		body, err := s.GetScript(ctx, name)
		if err != nil {
			return err
		}
		if *output != "" {
			return os.WriteFile(*output, []byte(body), 0644)
		}
		_, err = io.WriteString(os.Stdout, body)
		return err
	})
}

func readScript(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), nil
}

// printWarnings shows the WARNINGS an OK response may carry.
func printWarnings(name string, resp *protocol.Response) {
	if resp != nil && resp.HasCode("WARNINGS") {
		fmt.Fprintf(os.Stderr, "%s: warning: %s\n", name, helpers.SanitizeForDisplay(resp.Message))
	}
}

func handlePut(args []string) {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	opts := addCommonFlags(fs)
	activate := fs.Bool("activate", false, "Activate the script after uploading")
	fs.Usage = func() {
		fmt.Printf("Upload a script\n\nUsage:\n  sievemgr put [options] <name> <file>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	pos := parseArgs(fs, args, 2)
	name, path := pos[0], pos[1]

	body, err := readScript(path)
	if err != nil {
		fatalf("%v", err)
	}

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		if caps := s.Capabilities(); caps != nil && caps.IsRFC5804() {
			ok, err := s.HaveSpace(ctx, name, int64(len(body)))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("not enough space on the server for %s", name)
			}
		}
		resp, err := s.PutScript(ctx, name, body)
		if err != nil {
			return err
		}
		printWarnings(name, resp)
		if *activate {
			return s.SetActive(ctx, name)
		}
		return nil
	})
}

func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	opts := addCommonFlags(fs)
	local := fs.Bool("local", false, "Validate with the built-in parser without connecting")
	fs.Usage = func() {
		fmt.Printf("Validate a script\n\nUsage:\n  sievemgr check [options] <file>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	path := parseArgs(fs, args, 1)[0]

	body, err := readScript(path)
	if err != nil {
		fatalf("%v", err)
	}

	if *local {
		if err := sievelint.Validate(body, sievelint.Supported); err != nil {
			fatalf("%s: %v", path, err)
		}
		fmt.Printf("%s: OK\n", path)
		return
	}

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		resp, err := s.CheckScript(ctx, body)
		if err != nil {
			return err
		}
		printWarnings(path, resp)
		fmt.Printf("%s: OK\n", path)
		return nil
	})
}

func handleActivate(args []string) {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	opts := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Printf("Make a script the active one\n\nUsage:\n  sievemgr activate [options] <name>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	name := parseArgs(fs, args, 1)[0]

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		return s.SetActive(ctx, name)
	})
}

func handleDeactivate(args []string) {
	fs := flag.NewFlagSet("deactivate", flag.ExitOnError)
	opts := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Printf("Deactivate the active script\n\nUsage:\n  sievemgr deactivate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	parseArgs(fs, args, 0)

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		return s.SetActive(ctx, "")
	})
}

func handleDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	opts := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Printf("Delete a script\n\nUsage:\n  sievemgr delete [options] <name>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	name := parseArgs(fs, args, 1)[0]

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		return s.DeleteScript(ctx, name)
	})
}

func handleRename(args []string) {
	fs := flag.NewFlagSet("rename", flag.ExitOnError)
	opts := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Printf("Rename a script\n\nUsage:\n  sievemgr rename [options] <old> <new>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	pos := parseArgs(fs, args, 2)

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		return s.RenameScript(ctx, pos[0], pos[1])
	})
}
