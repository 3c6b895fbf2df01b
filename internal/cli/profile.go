package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/treykane/frpc-manager/internal/appconfig"
	"github.com/treykane/frpc-manager/internal/frpconfig"
	"github.com/treykane/frpc-manager/internal/history"
	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/profiles"
	"github.com/treykane/frpc-manager/internal/util"
)

func newProfileCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "profile", Short: "Manage saved tunnel profiles"}

	var (
		server string
		local  int
		remote int
	)
	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Save or replace a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := profiles.Profile{
				Name:       args[0],
				Server:     model.ServerConfigID(server),
				LocalPort:  local,
				RemotePort: remote,
			}
			if err := profiles.Save(p); err != nil {
				return err
			}
			fmt.Printf("saved profile %s\n", args[0])
			return nil
		},
	}
	save.Flags().StringVar(&server, "server", string(model.ServerPrimary), "relay server: primary or secondary")
	save.Flags().IntVar(&local, "local", 0, "local service port")
	save.Flags().IntVar(&remote, "remote", 0, "remote port exposed on the relay")
	_ = save.MarkFlagRequired("local")
	_ = save.MarkFlagRequired("remote")

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved profiles, most recently used first",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := profiles.LoadAll()
			if err != nil {
				return err
			}
			lastUsed, err := history.LastUsed()
			if err != nil {
				return err
			}
			byName := make(map[string]profiles.Profile, len(all))
			names := make([]string, 0, len(all))
			for _, p := range all {
				byName[p.Name] = p
				names = append(names, p.Name)
			}
			names = history.SortRecent(names, lastUsed)
			if jsonOut {
				out := make([]profiles.Profile, 0, len(names))
				for _, n := range names {
					out = append(out, byName[n])
				}
				return writeJSON(out)
			}
			fmt.Printf("%-20s %-10s %-8s %-8s\n", "NAME", "SERVER", "LOCAL", "REMOTE")
			for _, n := range names {
				p := byName[n]
				fmt.Printf("%-20s %-10s %-8d %-8d\n", p.Name, p.Server, p.LocalPort, p.RemotePort)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := profiles.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted profile %s\n", args[0])
			return nil
		},
	}

	root.AddCommand(save, list, del)
	return root
}

func newServerCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "server", Short: "Inspect and import relay server endpoints"}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show the configured relay servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]string, 0, len(a.cfg.Servers))
			for id := range a.cfg.Servers {
				ids = append(ids, string(id))
			}
			sort.Strings(ids)
			fmt.Printf("%-10s %-32s %-6s %s\n", "SERVER", "ADDRESS", "PORT", "TOKEN")
			for _, id := range ids {
				ep := a.cfg.Servers[model.ServerConfigID(id)]
				fmt.Printf("%-10s %-32s %-6d %s\n", id, ep.Address, ep.Port, util.EmptyDash(util.MaskSecret(ep.Token)))
			}
			return nil
		},
	}

	var as string
	imp := &cobra.Command{
		Use:   "import <frpc.ini>",
		Short: "Copy server_addr, server_port and token from an existing frpc config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseServerConfigID(as)
			if err != nil {
				return err
			}
			res, err := frpconfig.ParseFile(args[0])
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			ep, err := res.Endpoint()
			if err != nil {
				return err
			}
			cfg := a.cfg
			if cfg.Servers == nil {
				cfg.Servers = map[model.ServerConfigID]model.ServerEndpoint{}
			}
			cfg.Servers[id] = ep
			if err := appconfig.Save(cfg); err != nil {
				return err
			}
			a.cfg = cfg
			fmt.Printf("imported %s:%d as %s\n", ep.Address, ep.Port, id)
			return nil
		},
	}
	imp.Flags().StringVar(&as, "as", string(model.ServerPrimary), "server slot to replace: primary or secondary")

	root.AddCommand(list, imp)
	return root
}
