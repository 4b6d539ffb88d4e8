package main

import (
    "log"

    "github.com/spf13/cobra"

    quorumcli "github.com/amirimatin/go-quorum/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "quorumctl",
        Short:         "go-quorum consensus-module CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Attach all commands from pkg/cli for reuse in services
    quorumcli.AddAll(root)
    return root
}
