package main

import (
    "log"

    "github.com/spf13/cobra"

    raftcli "github.com/amirimatin/go-consensus/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "raftctl",
        Short:         "run and operate replicated-log consensus groups",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    raftcli.AddAll(root)
    return root
}
