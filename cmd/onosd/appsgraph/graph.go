// Package appsgraph implements onosd's `graph` subcommand: rendering an
// app dependency manifest as Graphviz DOT (spec.md §6).
package appsgraph

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	"github.com/edgnss/onos-intent-core/internal/appgraph"
)

// manifestApp is one entry of the JSON manifest file Graph reads: a name
// and its declared dependency names. It deliberately mirrors only the
// fields the dependency graph needs, not appstore.Application's full
// install-time metadata.
type manifestApp struct {
	Name         string   `json:"name"`
	RequiredApps []string `json:"requiredApps"`
}

type manifestResolver map[string][]string

func (m manifestResolver) RequiredApps(name string) ([]string, bool) {
	reqs, ok := m[name]
	return reqs, ok
}

// Command renders Manifest as Graphviz DOT.
type Command struct {
	Manifest *os.File `arg:"" help:"JSON file listing apps as [{\"name\":...,\"requiredApps\":[...]}, ...]."`
}

// Run implements the command.
func (c *Command) Run() error {
	defer c.Manifest.Close() //nolint:errcheck // This file is only open for reading.

	raw, err := io.ReadAll(c.Manifest)
	if err != nil {
		return errors.Wrap(err, "reading manifest")
	}
	var apps []manifestApp
	if err := json.Unmarshal(raw, &apps); err != nil {
		return errors.Wrap(err, "parsing manifest")
	}

	resolver := make(manifestResolver, len(apps))
	names := make([]string, len(apps))
	for i, a := range apps {
		resolver[a.Name] = a.RequiredApps
		names[i] = a.Name
	}
	for _, name := range names {
		if err := appgraph.DetectCycle(resolver, name); err != nil {
			return errors.Wrapf(err, "manifest has a circular dependency reachable from %q", name)
		}
	}

	fmt.Println(appgraph.Graphviz(resolver, names))
	return nil
}
