// Package main is onosd, a reference CLI over the application store
// built for demonstration and local exploration (spec.md §6 lists
// `onosd apps ...` among the expected CLI surface).
//
// Grounded on cmd/xfn/main.go's kong wiring: a debug flag that binds a
// zap-backed logging.Logger into the kong context, dispatched to
// subcommands by parameter injection rather than global state.
package main

import (
	"github.com/alecthomas/kong"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/edgnss/onos-intent-core/cmd/onosd/appsdemo"
	"github.com/edgnss/onos-intent-core/cmd/onosd/appsgraph"
)

type debugFlag bool

// BeforeApply binds a development-mode logger into the kong context when
// -d/--debug is passed.
func (d debugFlag) BeforeApply(ctx *kong.Context) error { //nolint:unparam // BeforeApply requires this signature.
	zl, _ := zap.NewDevelopment()
	ctx.BindTo(logging.NewLogrLogger(zapr.NewLogger(zl)), (*logging.Logger)(nil))
	return nil
}

var cli struct {
	Debug debugFlag `short:"d" help:"Print verbose logging statements."`

	Demo  appsdemo.Command  `cmd:"" help:"Walk a canned install/activate/deactivate scenario across an in-memory multi-node cluster."`
	Graph appsgraph.Command `cmd:"" help:"Render an app dependency manifest as Graphviz DOT."`
}

func main() {
	zl, _ := zap.NewProduction()
	log := logging.NewLogrLogger(zapr.NewLogger(zl))

	ctx := kong.Parse(&cli,
		kong.Name("onosd"),
		kong.Description("Reference CLI for the distributed application store."),
		kong.BindTo(log, (*logging.Logger)(nil)),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
