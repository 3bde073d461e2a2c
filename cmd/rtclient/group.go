package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

var groupCmd = &cobra.Command{
	Use:   "group <subnet>",
	Short: "Print the group id assigned to a subnet, allocating one if needed",
	Args:  cobra.ExactArgs(1),
	RunE:  assignGroup,
}

func assignGroup(cmd *cobra.Command, args []string) error {
	return call(cmd.Context(), http.MethodPost, "/subnet-groups", map[string]string{"subnet": args[0]})
}
