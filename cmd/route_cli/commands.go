package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/service"
)

var (
	routeChannel  string
	routeDeadline time.Duration
	routeSlots    map[string]string

	tokenSubject string
	tokenTenants []string
	tokenTTL     time.Duration
)

func init() {
	rootCmd.AddCommand(routeCmd, poolCmd, tokenCmd)

	routeCmd.Flags().StringVar(&routeChannel, "channel", "voice", "turn channel: voice, sms, chat")
	routeCmd.Flags().DurationVar(&routeDeadline, "deadline", 0, "turn deadline (default TURN_BUDGET)")
	routeCmd.Flags().StringToStringVar(&routeSlots, "slot", nil, "captured slot values, e.g. --slot name=Dana")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator identity (required)")
	tokenCmd.Flags().StringSliceVar(&tokenTenants, "tenant", nil, "restrict the token to these tenants (default: all)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}

var routeCmd = &cobra.Command{
	Use:   "route <tenant-id> <utterance...>",
	Short: "Route one utterance and print the decision as JSON",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		eng, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			eng.learning.Run(ctx)
		}()

		req := service.RouteRequest{
			TenantID:  args[0],
			Utterance: strings.Join(args[1:], " "),
			Context: domain.TurnContext{
				Channel: domain.Channel(routeChannel),
				Slots:   routeSlots,
			},
		}
		if routeDeadline > 0 {
			req.Deadline = time.Now().Add(routeDeadline)
		}

		decision, err := eng.router.Route(ctx, req)
		cancel()
		<-done
		if err != nil {
			return err
		}
		return printJSON(decision)
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool <tenant-id>",
	Short: "Print the effective scenario pool of a tenant, including exclusions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()

		pool, stale, err := eng.loader.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tenant %s  version %d  templates %s  stale %v\n\n",
			pool.TenantID, pool.Version, strings.Join(pool.TemplateIDs, ","), stale)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tTYPE\tSTRATEGY\tCHANNEL\tPRIORITY\tTRIGGERS")
		for _, sc := range pool.Scenarios {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
				sc.Key(), sc.ScenarioType, sc.ReplyStrategy, sc.Channel, sc.Priority, len(sc.Triggers)+len(sc.RegexTriggers))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Fprintf(out, "\nfallback: %s\n", pool.Fallback.Key())
		if pool.Filtered > 0 {
			fmt.Fprintf(out, "disabled by company overrides: %d\n", pool.Filtered)
		}
		if len(pool.Excluded) > 0 {
			fmt.Fprintln(out, "\nexcluded:")
			for _, ex := range pool.Excluded {
				fmt.Fprintf(out, "  %s/%s  %s  %s\n", ex.TemplateID, ex.ScenarioID, ex.Reason, ex.Detail)
			}
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin token for POST /v1/tenants/:tenantID/invalidate",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tokens := service.NewAdminTokenService(cfg.AdminJWTSecret, tokenTTL)
		if !tokens.Enabled() {
			return fmt.Errorf("ADMIN_JWT_SECRET is not set")
		}
		token, err := tokens.Issue(tokenSubject, tokenTenants)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
