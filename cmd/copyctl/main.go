// Copyctl is the operator console for a running polycopy bot. Every
// command is a thin call against the bot's HTTP API, so it works from any
// machine that can reach the dashboard port. Point it at the bot with
// --addr or COPY_ADDR.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"polycopy/internal/api"
	"polycopy/pkg/types"
)

var (
	apiAddr string
	cl      *client
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "copyctl",
		Short:         "Operator console for the polycopy bot",
		Long:          "Copyctl drives a running polycopy bot over its HTTP API:\ntracked wallets, market filters, Kalshi mappings, orders, trading\nmode and the emergency stop.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cl = newClient(apiAddr)
		},
	}

	defaultAddr := "http://localhost:8080"
	if v := os.Getenv("COPY_ADDR"); v != "" {
		defaultAddr = v
	}
	root.PersistentFlags().StringVar(&apiAddr, "addr", defaultAddr, "base URL of the bot's API")

	root.AddCommand(
		newStatusCmd(),
		newWalletsCmd(),
		newWalletCmd(),
		newFiltersCmd(),
		newFilterCmd(),
		newMappingsCmd(),
		newMappingCmd(),
		newOrdersCmd(),
		newOrderCmd(),
		newTradesCmd(),
		newModeCmd(),
		newStopCmd(),
		newResumeCmd(),
		newAckLiveCmd(),
	)
	return root
}

// ————————————————————————————————————————————————————————————————————————
// API client
// ————————————————————————————————————————————————————————————————————————

type client struct {
	http *resty.Client
}

func newClient(addr string) *client {
	return &client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(addr, "/")).
			SetTimeout(15 * time.Second).
			SetHeader("Accept", "application/json"),
	}
}

// call sends one request and decodes the response into out when non-nil.
// The API's error bodies surface as plain errors.
func (c *client) call(method, path string, body, out any) error {
	req := c.http.R()
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		var apiErr struct {
			Error string `json:"error"`
		}
		if jerr := json.Unmarshal(resp.Body(), &apiErr); jerr == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status())
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

func (c *client) get(path string, out any) error {
	return c.call(resty.MethodGet, path, nil, out)
}

func (c *client) post(path string, body, out any) error {
	return c.call(resty.MethodPost, path, body, out)
}

func (c *client) patch(path string, body, out any) error {
	return c.call(resty.MethodPatch, path, body, out)
}

func (c *client) del(path string, out any) error {
	return c.call(resty.MethodDelete, path, nil, out)
}

// ————————————————————————————————————————————————————————————————————————
// Status and settings
// ————————————————————————————————————————————————————————————————————————

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the engine's aggregate state",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			var st api.Status
			if err := cl.get("/api/status", &st); err != nil {
				return err
			}
			fmt.Printf("mode:           %s\n", st.Mode)
			fmt.Printf("daily pnl:      %+.2f\n", st.DailyPnL)
			fmt.Printf("open exposure:  %.2f\n", st.OpenExposure)
			fmt.Printf("wallets:        %d tracked, %d enabled\n", st.WalletCount, st.EnabledWallets)
			fmt.Printf("queue depth:    %d\n", st.QueueDepth)
			fmt.Printf("stream clients: %d\n", st.StreamClients)
			if st.EmergencyStop.Active {
				fmt.Printf("emergency stop: ACTIVE since %s (%s)\n",
					st.EmergencyStop.Since.Format(time.RFC3339), st.EmergencyStop.Reason)
			} else {
				fmt.Printf("emergency stop: inactive\n")
			}
			fmt.Printf("live confirmed: %v\n", st.LiveConfirmed)
			if st.NeedsFirstLiveAck {
				fmt.Println("\nfirst live trade not acknowledged yet; run `copyctl ack-live`")
			}
			return nil
		},
	}
}

func newModeCmd() *cobra.Command {
	var confirmLive bool
	cmd := &cobra.Command{
		Use:   "mode <paper|live|paused>",
		Short: "Switch the trading mode",
		Long:  "Switch the trading mode. Entering live requires the live confirmation\nflag; pass --confirm-live to set it in the same request.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := api.SettingsUpdate{Mode: &args[0]}
			if confirmLive {
				t := true
				upd.LiveConfirmed = &t
			}
			var s api.Settings
			if err := cl.patch("/api/settings", upd, &s); err != nil {
				return err
			}
			fmt.Printf("mode is now %s\n", s.Mode)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmLive, "confirm-live", false, "confirm live trading in the same request")
	return cmd
}

func newStopCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Pull the emergency stop (blocks all trading)",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			var st types.StopState
			if err := cl.post("/api/stop", api.StopRequest{Reason: reason}, &st); err != nil {
				return err
			}
			fmt.Printf("emergency stop active since %s (%s)\n",
				st.Since.Format(time.RFC3339), st.Reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why trading is being halted")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear the emergency stop",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := cl.del("/api/stop", nil); err != nil {
				return err
			}
			fmt.Println("emergency stop cleared")
			return nil
		},
	}
}

func newAckLiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack-live",
		Short: "Acknowledge the first live trade warning",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := cl.post("/api/live/ack", nil, nil); err != nil {
				return err
			}
			fmt.Println("first live trade acknowledged")
			return nil
		},
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wallets
// ————————————————————————————————————————————————————————————————————————

func newWalletsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallets",
		Short: "List tracked wallets",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			var wallets []types.Wallet
			if err := cl.get("/api/wallets", &wallets); err != nil {
				return err
			}
			if len(wallets) == 0 {
				fmt.Println("no wallets tracked; add one with `copyctl wallet add <address>`")
				return nil
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("Address", "Alias", "Enabled", "Scale", "Max Trade", "Min Conf", "Added")
			for _, w := range wallets {
				table.Append(
					w.Address,
					w.Alias,
					fmt.Sprintf("%v", w.Enabled),
					fmt.Sprintf("%.2f", w.ScaleFactor),
					capLabel(w.MaxTradeSize),
					fmt.Sprintf("%.2f", w.MinConfidence),
					w.CreatedAt.Format("2006-01-02"),
				)
			}
			table.Render()
			return nil
		},
	}
}

func newWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage a single tracked wallet",
	}
	cmd.AddCommand(
		newWalletAddCmd(),
		newWalletShowCmd(),
		newWalletSetCmd(),
		newWalletRmCmd(),
		newWalletTradesCmd(),
	)
	return cmd
}

func newWalletAddCmd() *cobra.Command {
	var (
		alias    string
		scale    float64
		maxTrade float64
		minConf  float64
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "add <address>",
		Short: "Start tracking a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"address": args[0],
				"enabled": !disabled,
			}
			if alias != "" {
				body["alias"] = alias
			}
			if cmd.Flags().Changed("scale") {
				body["scale_factor"] = scale
			}
			if cmd.Flags().Changed("max-trade") {
				body["max_trade_size"] = maxTrade
			}
			if cmd.Flags().Changed("min-confidence") {
				body["min_confidence"] = minConf
			}
			var w types.Wallet
			if err := cl.post("/api/wallets", body, &w); err != nil {
				return err
			}
			fmt.Printf("tracking %s (scale %.2f)\n", w.Address, w.ScaleFactor)
			return nil
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "display name")
	cmd.Flags().Float64Var(&scale, "scale", 1.0, "copy size multiplier")
	cmd.Flags().Float64Var(&maxTrade, "max-trade", 0, "per-trade cap in USDC (0 = none)")
	cmd.Flags().Float64Var(&minConf, "min-confidence", 0, "advisor confidence floor in [0,1]")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "track without copying")
	return cmd
}

func newWalletShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show one wallet's controls and performance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d api.WalletDetail
			if err := cl.get("/api/wallets/"+args[0], &d); err != nil {
				return err
			}
			fmt.Printf("address:        %s\n", d.Address)
			fmt.Printf("alias:          %s\n", d.Alias)
			fmt.Printf("enabled:        %v\n", d.Enabled)
			fmt.Printf("scale:          %.2f\n", d.ScaleFactor)
			fmt.Printf("max trade:      %s\n", capLabel(d.MaxTradeSize))
			fmt.Printf("min confidence: %.2f\n", d.MinConfidence)
			fmt.Printf("tracked since:  %s\n", d.CreatedAt.Format(time.RFC3339))
			fmt.Printf("trades:         %d\n", d.Metrics.TotalTrades)
			fmt.Printf("win rate:       %.0f%%\n", d.Metrics.WinRate*100)
			fmt.Printf("avg roi:        %+.2f%%\n", d.Metrics.AvgROI*100)
			fmt.Printf("total pnl:      %+.2f\n", d.Metrics.TotalPnL)
			return nil
		},
	}
}

func newWalletSetCmd() *cobra.Command {
	var (
		enable   bool
		disable  bool
		scale    float64
		maxTrade float64
		minConf  float64
	)
	cmd := &cobra.Command{
		Use:   "set <address>",
		Short: "Update a wallet's copy controls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return errors.New("pass at most one of --enable and --disable")
			}
			var upd api.WalletControlsUpdate
			if enable || disable {
				upd.Enabled = &enable
			}
			if cmd.Flags().Changed("scale") {
				upd.ScaleFactor = &scale
			}
			if cmd.Flags().Changed("max-trade") {
				upd.MaxTradeSize = &maxTrade
			}
			if cmd.Flags().Changed("min-confidence") {
				upd.MinConfidence = &minConf
			}
			if upd == (api.WalletControlsUpdate{}) {
				return errors.New("nothing to change")
			}
			var w types.Wallet
			if err := cl.patch("/api/wallets/"+args[0], upd, &w); err != nil {
				return err
			}
			fmt.Printf("%s: enabled=%v scale=%.2f max-trade=%s min-confidence=%.2f\n",
				w.Address, w.Enabled, w.ScaleFactor, capLabel(w.MaxTradeSize), w.MinConfidence)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "resume copying this wallet")
	cmd.Flags().BoolVar(&disable, "disable", false, "pause copying this wallet")
	cmd.Flags().Float64Var(&scale, "scale", 0, "copy size multiplier")
	cmd.Flags().Float64Var(&maxTrade, "max-trade", 0, "per-trade cap in USDC (0 = none)")
	cmd.Flags().Float64Var(&minConf, "min-confidence", 0, "advisor confidence floor in [0,1]")
	return cmd
}

func newWalletRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <address>",
		Short: "Stop tracking a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.del("/api/wallets/"+args[0], nil); err != nil {
				return err
			}
			fmt.Printf("stopped tracking %s\n", args[0])
			return nil
		},
	}
}

func newWalletTradesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades <address>",
		Short: "List recent signals copied from a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var trades []types.Trade
			path := fmt.Sprintf("/api/wallets/%s/trades?limit=%d", args[0], limit)
			if err := cl.get(path, &trades); err != nil {
				return err
			}
			renderTrades(trades)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

// ————————————————————————————————————————————————————————————————————————
// Filters and mappings
// ————————————————————————————————————————————————————————————————————————

func newFiltersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "filters",
		Short: "List market filters",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			var filters []types.MarketFilter
			if err := cl.get("/api/filters", &filters); err != nil {
				return err
			}
			if len(filters) == 0 {
				fmt.Println("no filters configured; every market is eligible")
				return nil
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("ID", "Type", "Value", "Action", "Created")
			for _, f := range filters {
				table.Append(
					fmt.Sprintf("%d", f.ID),
					string(f.Type),
					f.Value,
					string(f.Action),
					f.CreatedAt.Format("2006-01-02"),
				)
			}
			table.Render()
			return nil
		},
	}
}

func newFilterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Manage market filters",
	}

	var action string
	add := &cobra.Command{
		Use:   "add <market_id|category|keyword> <value>",
		Short: "Add a market filter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f types.MarketFilter
			body := map[string]any{"type": args[0], "value": args[1], "action": action}
			if err := cl.post("/api/filters", body, &f); err != nil {
				return err
			}
			fmt.Printf("filter %d: %s %s %q\n", f.ID, f.Action, f.Type, f.Value)
			return nil
		},
	}
	add.Flags().StringVar(&action, "action", "deny", "allow or deny")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a market filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.del("/api/filters/"+args[0], nil); err != nil {
				return err
			}
			fmt.Printf("filter %s removed\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, rm)
	return cmd
}

func newMappingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mappings",
		Short: "List Polymarket-to-Kalshi market mappings",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			var mappings []types.MarketMapping
			if err := cl.get("/api/mappings", &mappings); err != nil {
				return err
			}
			if len(mappings) == 0 {
				fmt.Println("no mappings configured; the arbitrage detector is idle")
				return nil
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("ID", "Polymarket", "Kalshi", "Active", "Description")
			for _, m := range mappings {
				table.Append(
					fmt.Sprintf("%d", m.ID),
					short(m.PrimaryID, 20),
					m.SecondaryTicker,
					fmt.Sprintf("%v", m.Active),
					short(m.Description, 40),
				)
			}
			table.Render()
			return nil
		},
	}
}

func newMappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Manage Polymarket-to-Kalshi market mappings",
	}

	var desc string
	add := &cobra.Command{
		Use:   "add <polymarket-condition-id> <kalshi-ticker>",
		Short: "Map a Polymarket market to a Kalshi ticker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m types.MarketMapping
			body := map[string]any{"primary_id": args[0], "secondary_ticker": args[1]}
			if desc != "" {
				body["description"] = desc
			}
			if err := cl.post("/api/mappings", body, &m); err != nil {
				return err
			}
			fmt.Printf("mapping %d: %s <-> %s\n", m.ID, short(m.PrimaryID, 20), m.SecondaryTicker)
			return nil
		},
	}
	add.Flags().StringVar(&desc, "desc", "", "human-readable description")

	setActive := func(use, shortDesc string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: shortDesc,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body := map[string]any{"active": active}
				if err := cl.patch("/api/mappings/"+args[0], body, nil); err != nil {
					return err
				}
				fmt.Printf("mapping %s active=%v\n", args[0], active)
				return nil
			},
		}
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.del("/api/mappings/"+args[0], nil); err != nil {
				return err
			}
			fmt.Printf("mapping %s removed\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, setActive("enable", "Enable a mapping", true), setActive("disable", "Disable a mapping", false), rm)
	return cmd
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

func newOrdersCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List live orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/orders?limit=%d", limit)
			if status != "" {
				path += "&status=" + status
			}
			var orders []types.Order
			if err := cl.get(path, &orders); err != nil {
				return err
			}
			if len(orders) == 0 {
				fmt.Println("no orders")
				return nil
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("ID", "Market", "Side", "Action", "Size", "Price", "Status", "Filled", "Tries", "Updated")
			for _, o := range orders {
				table.Append(
					short(o.ID, 12),
					short(o.MarketID, 14),
					string(o.Side),
					string(o.Action),
					fmt.Sprintf("%.2f", o.RequestedSize),
					fmt.Sprintf("%.3f", o.RequestedPrice),
					string(o.Status),
					fmt.Sprintf("%.2f", o.FilledSize),
					fmt.Sprintf("%d", o.Attempts),
					o.UpdatedAt.Format("01-02 15:04"),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by order status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Act on a single order",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or submitted order",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var o types.Order
			if err := cl.post("/api/orders/"+args[0]+"/cancel", nil, &o); err != nil {
				return err
			}
			fmt.Printf("order %s is now %s\n", short(o.ID, 12), o.Status)
			return nil
		},
	})
	return cmd
}

func newTradesCmd() *cobra.Command {
	var (
		limit    int
		executed bool
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List recent trades across all wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/trades?limit=%d", limit)
			if executed {
				path += "&executed=true"
			}
			var trades []types.Trade
			if err := cl.get(path, &trades); err != nil {
				return err
			}
			renderTrades(trades)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&executed, "executed", false, "only trades that executed")
	return cmd
}

// ————————————————————————————————————————————————————————————————————————
// Rendering helpers
// ————————————————————————————————————————————————————————————————————————

func renderTrades(trades []types.Trade) {
	if len(trades) == 0 {
		fmt.Println("no trades")
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Time", "Wallet", "Market", "Side", "Action", "Size", "Price", "Source", "Exec", "PnL")
	for _, tr := range trades {
		table.Append(
			fmt.Sprintf("%d", tr.ID),
			tr.SignalTime.Format("01-02 15:04"),
			short(tr.WalletAddress, 12),
			short(tr.MarketID, 14),
			string(tr.Side),
			string(tr.Action),
			fmt.Sprintf("%.2f", tr.Size),
			fmt.Sprintf("%.3f", tr.Price),
			string(tr.Source),
			execLabel(tr),
			pnlLabel(tr.PnL),
		)
	}
	table.Render()
}

func execLabel(tr types.Trade) string {
	if !tr.Executed {
		return "no"
	}
	if tr.PaperMode {
		return "paper"
	}
	return "live"
}

func pnlLabel(pnl *float64) string {
	if pnl == nil {
		return "-"
	}
	return fmt.Sprintf("%+.2f", *pnl)
}

func capLabel(v float64) string {
	if v <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
