package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var roundCmd = &cobra.Command{
	Use:   "round [id]",
	Short: "Print a round and its retrieval tasks, the current round when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  getRound,
}

func init() {
	roundCmd.Flags().String(
		"contract",
		"",
		"Contract address, looks the round up by its contract round index",
	)
	roundCmd.Flags().Uint64(
		"index",
		0,
		"Contract round index, requires --contract",
	)
}

func getRound(cmd *cobra.Command, args []string) error {
	contract, err := cmd.Flags().GetString("contract")
	if err != nil {
		return err
	}

	if contract == "" && cmd.Flags().Changed("index") {
		return fmt.Errorf("--index requires --contract")
	}

	path := "/rounds/current"
	switch {
	case contract != "":
		if len(args) > 0 {
			return fmt.Errorf("a round id cannot be combined with --contract")
		}
		index, err := cmd.Flags().GetUint64("index")
		if err != nil {
			return err
		}
		path = fmt.Sprintf("/rounds/contract/%s/%d", url.PathEscape(contract), index)
	case len(args) > 0:
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid round id %q", args[0])
		}
		path = fmt.Sprintf("/rounds/%d", id)
	}

	return call(cmd.Context(), http.MethodGet, path, nil)
}
