// Package proxycmd implements the CLI front-end (§4.K): a small
// spf13/cobra root command with run and genca subcommands.
//
// The root-command-factory indirection is grounded on the teacher's
// cmd/commandfactory.go / cmd/cobra.go pattern (_teacher_ref/commandfactory.go,
// _teacher_ref/cobra.go): a constructor plus a chain of option functions that
// get applied before Build() returns the assembled *cobra.Command.
package proxycmd

import (
	"github.com/spf13/cobra"
)

// commandFactory mirrors the teacher's RootCommandFactory: a constructor
// plus a list of option functions applied before building the final
// *cobra.Command.
type commandFactory struct {
	constructor func() *cobra.Command
	options     []func(*cobra.Command)
}

func newCommandFactory(fn func() *cobra.Command) *commandFactory {
	return &commandFactory{constructor: fn}
}

func (f *commandFactory) use(fn func(cmd *cobra.Command)) {
	f.options = append(f.options, fn)
}

func (f *commandFactory) build() *cobra.Command {
	cmd := f.constructor()
	for _, opt := range f.options {
		opt(cmd)
	}
	return cmd
}

var rootFactory = newCommandFactory(func() *cobra.Command {
	return &cobra.Command{
		Use:   "interceptproxy",
		Short: "An intercepting HTTP/HTTPS forward proxy with TLS MITM and domain filtering",
		Long: `interceptproxy is a forward proxy that terminates HTTP directly and
handles HTTPS either as a transparent byte tunnel or as a dynamically
minted TLS session, using a locally-trusted certificate authority. It can
mutate responses in flight to strip tracking headers and ad scripts, and
blocks blacklisted domains outright.

Use 'interceptproxy run' to start the proxy in the foreground, and
'interceptproxy genca' to (re)generate the root CA used for interception.`,
		SilenceUsage: true,
	}
})

func init() {
	rootFactory.use(func(cmd *cobra.Command) {
		cmd.AddCommand(runCmd())
		cmd.AddCommand(gencaCmd())
	})
}

// Execute builds and runs the root command; it is the sole entry point
// cmd/proxyd's main.go calls.
func Execute() error {
	return rootFactory.build().Execute()
}
