package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/patchbay/internal/config"
	"github.com/agentworkforce/patchbay/internal/layout"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("patchbay-layout", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.String("from", envOrDefault("PATCHBAY_LAYOUT_DSN", defaultLayoutDSN()), "layout backend DSN to read")
	to := fs.String("to", "", "layout backend DSN to copy the manifest into")
	printText := fs.Bool("print", false, "print the manifest in the state file format")
	asJSON := fs.Bool("json", false, "print the manifest as JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *to == "" && !*printText && !*asJSON {
		*printText = true
	}

	logger := log.New(stderr, "patchbay-layout: ", 0)
	m, err := load(*from, logger)
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}
	if *printText {
		if err := layout.Encode(stdout, m); err != nil {
			logger.Printf("write manifest: %v", err)
			return 1
		}
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			logger.Printf("write manifest: %v", err)
			return 1
		}
	}
	if *to != "" {
		if err := store(*to, m); err != nil {
			logger.Printf("%v", err)
			return 1
		}
		logger.Printf("copied layout from %s to %s", *from, *to)
	}
	return 0
}

func load(dsn string, logger *log.Logger) (*layout.Manifest, error) {
	backend, err := layout.BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	if backend == nil {
		return nil, fmt.Errorf("no layout backend given")
	}
	defer layout.Close(backend)
	if fb, ok := backend.(*layout.FileBackend); ok {
		fb.Logger = logger
	}
	m, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dsn, err)
	}
	if m == nil {
		return nil, fmt.Errorf("no layout stored at %s", dsn)
	}
	return m, nil
}

func store(dsn string, m *layout.Manifest) error {
	backend, err := layout.BuildBackendFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", dsn, err)
	}
	if backend == nil {
		return fmt.Errorf("no layout backend given")
	}
	defer layout.Close(backend)
	if err := backend.Save(m); err != nil {
		return fmt.Errorf("save %s: %w", dsn, err)
	}
	return nil
}

func defaultLayoutDSN() string {
	return "file://" + filepath.Join(config.DataDir(), config.StateFileName)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
