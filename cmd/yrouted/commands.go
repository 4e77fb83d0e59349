package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/internal/routing"
	"github.com/eventtel/yrouted/internal/store"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func createRouteCommand() *cobra.Command {
	var (
		caller string
		called string
		callID string
	)

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Compute a stage-1 route and print the tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			routeCache, _, err := buildCache(cfg.Cache)
			if err != nil {
				return err
			}
			defer routeCache.Close()

			dispatcher := routing.NewDispatcher(st, routeCache, cfg.Routing, cfg.Cache.TTL, nil)
			resp, routeErr := dispatcher.Route(context.Background(), routing.RouteRequest{
				Caller:        caller,
				Called:        called,
				CallID:        callID,
				Authenticated: true,
			})

			if routeErr != nil {
				fmt.Printf("%s %v\n", red("✗"), routeErr)
			} else {
				fmt.Printf("%s Routed %s -> %s (call id %s)\n", green("✓"), caller, called, resp.CallID)
			}

			if resp != nil && resp.Tree != nil {
				fmt.Println()
				fmt.Println(bold("Routing tree:"))
				printTree(resp.Tree, "")
			}
			if resp != nil && resp.Main != nil {
				fmt.Println()
				fmt.Println(bold("Main result:"))
				printResult(resp.Main)
			}
			if resp != nil && len(resp.Results) > 0 {
				fmt.Println()
				fmt.Println(bold("Cached intermediate results:"))
				printResultTable(resp.Results)
			}
			return routeErr
		},
	}

	cmd.Flags().StringVar(&caller, "caller", "", "Calling extension number")
	cmd.Flags().StringVar(&called, "called", "", "Called extension number")
	cmd.Flags().StringVar(&callID, "call-id", "", "Adopt a pre-assigned call id")
	cmd.MarkFlagRequired("caller")
	cmd.MarkFlagRequired("called")

	return cmd
}

func printTree(node *models.TreeNode, indent string) {
	status := green("active")
	if !node.Active {
		status = red("inactive")
	}
	label := node.Number
	if node.Name != "" {
		label += " (" + node.Name + ")"
	}
	if node.DeviceOnly {
		label += " [device]"
	}
	fmt.Printf("%s%s %s %s %s\n", indent, bold(node.TreePath), label, node.Kind, status)

	for _, log := range node.Logs {
		level := yellow(string(log.Level))
		fmt.Printf("%s  ! %s %s\n", indent, level, log.Message)
	}
	if node.Forward != nil {
		printTree(node.Forward, indent+"  ")
	}
	for _, rank := range node.Ranks {
		mode := string(rank.Mode)
		if rank.Delay != nil {
			mode += fmt.Sprintf(" +%ds", *rank.Delay)
		}
		if rank.Synthetic {
			mode += " (forward)"
		}
		fmt.Printf("%s  rank %d: %s\n", indent, rank.Index, mode)
		for _, member := range rank.Members {
			if member.Node != nil {
				printTree(member.Node, indent+"    ")
			}
		}
	}
}

func printResult(result *models.RoutingResult) {
	fmt.Printf("  target: %s\n", result.Target.Target)
	for _, key := range sortedKeys(result.Target.Params) {
		fmt.Printf("    %s = %s\n", key, result.Target.Params[key])
	}
	for i, target := range result.ForkTargets {
		fmt.Printf("  callto.%d: %s\n", i+1, target.Target)
		for _, key := range sortedKeys(target.Params) {
			fmt.Printf("    %s = %s\n", key, target.Params[key])
		}
	}
}

func printResultTable(results map[string]*models.RoutingResult) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Tree Path", "Type", "Targets"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	paths := make([]string, 0, len(results))
	for path := range results {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		result := results[path]
		targets := result.Target.Target
		if result.IsFork() {
			parts := make([]string, 0, len(result.ForkTargets))
			for _, t := range result.ForkTargets {
				parts = append(parts, t.Target)
			}
			targets = strings.Join(parts, ", ")
		}
		table.Append([]string{path, string(result.Kind), targets})
	}
	table.Render()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func createDBCommands() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the provisioning database",
	}

	dbCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(); err != nil {
				return err
			}
			fmt.Printf("%s Database schema is up to date\n", green("✓"))
			return nil
		},
	})

	return dbCmd
}

func createCacheCommands() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the routing cache",
	}

	var (
		callID   string
		treePath string
	)
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch a cached intermediate routing result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			routeCache, _, err := buildCache(cfg.Cache)
			if err != nil {
				return err
			}
			defer routeCache.Close()

			payload, err := routeCache.Get(context.Background(), callID, treePath)
			if err != nil {
				return fmt.Errorf("no entry for call %s path %s: %v", callID, treePath, err)
			}

			var result models.RoutingResult
			if err := json.Unmarshal(payload, &result); err != nil {
				return err
			}
			printResult(&result)
			return nil
		},
	}
	getCmd.Flags().StringVar(&callID, "call-id", "", "Call id")
	getCmd.Flags().StringVar(&treePath, "tree-path", "1", "Tree path")
	getCmd.MarkFlagRequired("call-id")

	cacheCmd.AddCommand(getCmd)
	return cacheCmd
}

func createCallsCommands() *cobra.Command {
	callsCmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect live call state",
	}

	callsCmd.AddCommand(&cobra.Command{
		Use:   "busy",
		Short: "Show extensions with ongoing call legs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			_, redisCache, err := buildCache(cfg.Cache)
			if err != nil {
				return err
			}
			if redisCache == nil {
				fmt.Println(yellow("Busy state is tracked in-process; configure the redis cache backend to inspect it here"))
				return nil
			}
			defer redisCache.Close()

			busy := buildBusyCache(redisCache)
			status, err := busy.Status(context.Background())
			if err != nil {
				return err
			}
			if len(status) == 0 {
				fmt.Println("No busy extensions")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Extension", "Legs"})
			table.SetBorder(false)

			extensions := make([]string, 0, len(status))
			for extension := range status {
				extensions = append(extensions, extension)
			}
			sort.Strings(extensions)
			for _, extension := range extensions {
				table.Append([]string{extension, fmt.Sprintf("%d", status[extension])})
			}
			table.Render()
			return nil
		},
	})

	return callsCmd
}
