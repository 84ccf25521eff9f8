package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/migadu/sievemgr/helpers"
	"github.com/migadu/sievemgr/logger"
	"github.com/migadu/sievemgr/pkg/metrics"
	"github.com/migadu/sievemgr/protocol"
	"github.com/migadu/sievemgr/session"
)

const scriptExtension = ".sieve"

// scriptStore is the part of a session push needs.
type scriptStore interface {
	ListScripts(ctx context.Context) ([]protocol.ScriptEntry, error)
	GetScript(ctx context.Context, name string) (string, error)
	PutScript(ctx context.Context, name, body string) (*protocol.Response, error)
	SetActive(ctx context.Context, name string) error
}

type localScript struct {
	name string
	body string
}

func handlePush(args []string) {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	opts := addCommonFlags(fs)
	activate := fs.String("activate", "", "Activate this script after uploading")
	dryRun := fs.Bool("dry-run", false, "Show what would be uploaded")
	fs.Usage = func() {
		fmt.Printf(`Upload every *.sieve file of a directory whose content differs from the
server copy. The script name is the file name without the extension.

Usage:
  sievemgr push [options] <dir>

Options:
`)
		fs.PrintDefaults()
	}
	dir := parseArgs(fs, args, 1)[0]

	scripts, err := collectScripts(dir)
	if err != nil {
		fatalf("%v", err)
	}

	withSession(opts, func(ctx context.Context, s *session.Session) error {
		return push(ctx, s, scripts, *activate, *dryRun, os.Stdout)
	})
}

// collectScripts reads the *.sieve files of dir, sorted by name.
func collectScripts(dir string) ([]localScript, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var scripts []localScript
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), scriptExtension) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		scripts = append(scripts, localScript{
			name: strings.TrimSuffix(e.Name(), scriptExtension),
			body: string(data),
		})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].name < scripts[j].name })
	return scripts, nil
}

// push uploads the scripts whose digest differs from the server copy.
func push(ctx context.Context, store scriptStore, scripts []localScript, activate string, dryRun bool, out io.Writer) error {
	remote, err := store.ListScripts(ctx)
	if err != nil {
		return err
	}
	exists := make(map[string]bool, len(remote))
	active := ""
	for _, r := range remote {
		exists[r.Name] = true
		if r.Active {
			active = r.Name
		}
	}

	for _, sc := range scripts {
		if exists[sc.name] {
			current, err := store.GetScript(ctx, sc.name)
			if err != nil {
				return err
			}
			if helpers.ContentDigest([]byte(current)) == helpers.ContentDigest([]byte(sc.body)) {
				metrics.ScriptsSkipped.Inc()
				logger.Debug("script unchanged", "script", sc.name)
				continue
			}
		}
		if dryRun {
			fmt.Fprintf(out, "would upload %s\n", helpers.SanitizeForDisplay(sc.name))
			continue
		}
		resp, err := store.PutScript(ctx, sc.name, sc.body)
		if err != nil {
			return fmt.Errorf("%s: %w", sc.name, err)
		}
		printWarnings(sc.name, resp)
		fmt.Fprintf(out, "uploaded %s\n", helpers.SanitizeForDisplay(sc.name))
	}

	if activate != "" && activate != active {
		if dryRun {
			fmt.Fprintf(out, "would activate %s\n", helpers.SanitizeForDisplay(activate))
			return nil
		}
		if err := store.SetActive(ctx, activate); err != nil {
			return err
		}
		fmt.Fprintf(out, "activated %s\n", helpers.SanitizeForDisplay(activate))
	}
	return nil
}
