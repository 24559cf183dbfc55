// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema writes the JSON Schema of worldtree seed files, for
// editors that validate YAML against a schema.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/holomush/worldtree/internal/seed"
)

func main() {
	out := flag.String("out", filepath.Join("schemas", "worldtree-seed.schema.json"), "output path")
	flag.Parse()

	if err := write(*out); err != nil {
		fmt.Fprintf(os.Stderr, "gen-schema: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s\n", *out)
}

func write(path string) error {
	schema, err := seed.GenerateSchema()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, schema, 0o600); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	return nil
}
