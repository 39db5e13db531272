package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/rolegate/gate/internal/network"
	"github.com/amurg-ai/rolegate/gate/internal/store"
	"github.com/amurg-ai/rolegate/gate/internal/wizard"
)

func newServersCmd() *cobra.Command {
	serversCmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage gated servers",
		RunE:  runServersList, // default subcommand
	}
	serversCmd.AddCommand(newServersListCmd())
	serversCmd.AddCommand(newServersAddCmd())
	return serversCmd
}

func newServersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List gated servers",
		RunE:  runServersList,
	}
}

func newServersAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a server (interactive without --id)",
		RunE:  runServersAdd,
	}
	cmd.Flags().String("id", "", "chat platform id of the server")
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("owner", "", "owner id")
	cmd.Flags().String("price", "", "price per day in whole asset units, e.g. 1.5")
	cmd.Flags().StringSlice("receiver", nil, "receiving address as network=address (repeatable)")
	cmd.Flags().StringSlice("durations", []string{"86400", "604800", "2592000"}, "permitted durations in seconds")
	return cmd
}

func runServersList(cmd *cobra.Command, args []string) error {
	_, s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	servers, err := s.ListServers(cmd.Context())
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(servers) == 0 {
		_, _ = fmt.Fprintln(out, "No servers configured.")
		return nil
	}

	rows := make([][]string, 0, len(servers))
	for _, srv := range servers {
		rows = append(rows, []string{
			srv.ID,
			srv.Name,
			srv.PricePerDay,
			formatReceivers(srv.Receivers),
			formatDurations(srv.Durations),
		})
	}
	renderTable(out, []string{"ID", "NAME", "PRICE/DAY", "NETWORKS", "DURATIONS"}, rows, nil)
	return nil
}

func runServersAdd(cmd *cobra.Command, args []string) error {
	cfg, s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	networks := network.NewRegistry(cfg.Networks)

	var srv *store.Server
	if id, _ := cmd.Flags().GetString("id"); id != "" {
		srv, err = serverFromFlags(cmd, id)
	} else {
		srv, err = wizard.New(prompter(cmd)).AskServer(networks)
	}
	if err != nil {
		return err
	}
	if err := wizard.ValidateServer(srv, networks); err != nil {
		return err
	}

	if existing, err := s.GetServer(cmd.Context(), srv.ID); err != nil {
		return fmt.Errorf("get server: %w", err)
	} else if existing != nil {
		srv.CreatedAt = existing.CreatedAt
	}
	if err := s.UpsertServer(cmd.Context(), srv); err != nil {
		return fmt.Errorf("save server: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Server %s (%s) saved.\n", srv.ID, srv.Name)
	return nil
}

func serverFromFlags(cmd *cobra.Command, id string) (*store.Server, error) {
	name, _ := cmd.Flags().GetString("name")
	owner, _ := cmd.Flags().GetString("owner")
	price, _ := cmd.Flags().GetString("price")
	receivers, _ := cmd.Flags().GetStringSlice("receiver")
	durations, _ := cmd.Flags().GetStringSlice("durations")

	srv := &store.Server{
		ID:          id,
		Name:        name,
		OwnerID:     owner,
		PricePerDay: price,
		Receivers:   make(map[string]string, len(receivers)),
		CreatedAt:   time.Now().UTC(),
	}
	for _, r := range receivers {
		netID, addr, ok := strings.Cut(r, "=")
		if !ok || netID == "" || !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid --receiver %q: want network=0xaddress", r)
		}
		srv.Receivers[netID] = common.HexToAddress(addr).Hex()
	}
	d, err := wizard.ParseDurations(durations)
	if err != nil {
		return nil, err
	}
	srv.Durations = d
	return srv, nil
}

func formatReceivers(receivers map[string]string) string {
	ids := make([]string, 0, len(receivers))
	for id := range receivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}

func formatDurations(durations []int64) string {
	parts := make([]string, 0, len(durations))
	for _, d := range durations {
		parts = append(parts, formatSeconds(d))
	}
	return strings.Join(parts, ", ")
}

// formatSeconds renders whole days as "7d" and anything else as a Go duration.
func formatSeconds(s int64) string {
	if s%86400 == 0 {
		return strconv.FormatInt(s/86400, 10) + "d"
	}
	return (time.Duration(s) * time.Second).String()
}
