// Package appsdemo implements onosd's `demo` subcommand: a scripted walk
// through the application store's install/activate/deactivate lifecycle
// across an in-memory multi-node cluster, for local exploration without a
// real cluster backend.
package appsdemo

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/edgnss/onos-intent-core/internal/appstore"
	"github.com/edgnss/onos-intent-core/internal/appstore/bits"
	"github.com/edgnss/onos-intent-core/pkg/cluster"
)

// Command runs the canned scenario.
type Command struct {
	Nodes int `help:"Number of in-memory cluster nodes to simulate." default:"3"`
}

// Run builds Nodes appstore.Store instances sharing one in-memory
// cluster, installs a small dependency chain on node 0, activates it from
// node 1 (demonstrating a peer bits fetch since node 1 never installed
// the archive itself), and deactivates it, printing every lifecycle event
// as it happens.
func (c *Command) Run(log logging.Logger) error {
	if c.Nodes < 2 {
		c.Nodes = 2
	}
	ctx := context.Background()
	storage := cluster.NewStorage()
	net := cluster.NewNetwork()

	stores := make([]*appstore.Store, c.Nodes)
	for i := 0; i < c.Nodes; i++ {
		nodeID := fmt.Sprintf("node-%d", i)
		cache := bits.NewCache(fmt.Sprintf("/cache/%s", nodeID), afero.NewMemMapFs())
		ch := net.Join(nodeID)
		s := appstore.New(storage, storage, ch, cache, appstore.WithLogger(log))
		defer s.Close()
		s.AddListener(appstore.DelegateFunc(func(_ context.Context, ev appstore.Event) {
			fmt.Printf("[%s] %s %s\n", nodeID, ev.Kind, ev.App.Name)
		}))
		stores[i] = s
	}

	core, leaf := stores[0], stores[1]

	if err := core.Install(ctx, appstore.Application{Name: "topology", Version: "1.0.0"}, []byte("topology-bits")); err != nil {
		return errors.Wrap(err, "installing topology")
	}
	if err := core.Install(ctx, appstore.Application{
		Name:         "path-computation",
		Version:      "1.0.0",
		RequiredApps: []appstore.Requirement{{Name: "topology", Constraint: ">=1.0.0"}},
	}, []byte("pathcomp-bits")); err != nil {
		return errors.Wrap(err, "installing path-computation")
	}

	fmt.Println("--- activating path-computation from", "node-1 (no local archive) ---")
	if err := leaf.Activate(ctx, "path-computation", ""); err != nil {
		return errors.Wrap(err, "activating path-computation")
	}

	fmt.Println("--- dependency graph ---")
	fmt.Println(core.Graphviz(ctx))

	fmt.Println("--- deactivating path-computation ---")
	if err := leaf.Deactivate(ctx, "path-computation", ""); err != nil {
		return errors.Wrap(err, "deactivating path-computation")
	}

	return nil
}
