// Command certdispatchctl administers a certdispatch controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/certdispatch/certdispatch/internal/api/models"
	"github.com/certdispatch/certdispatch/internal/auth"
	"github.com/certdispatch/certdispatch/internal/config"
)

var (
	serverURL  string
	configPath string
	operator   string
	Version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "certdispatchctl",
		Short:         "certdispatchctl - operate a certdispatch controller",
		Long:          "Manage agent tokens, the check queue and monitored certificates of a certdispatch controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("CERTDISPATCH_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	defaultOperator := os.Getenv("USER")
	if defaultOperator == "" {
		defaultOperator = "certdispatchctl"
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServer, "controller URL")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CERTDISPATCH_CONFIG"), "controller YAML config holding the JWT settings")
	rootCmd.PersistentFlags().StringVar(&operator, "operator", defaultOperator, "operator name recorded in the access token")

	rootCmd.AddCommand(
		tokensCmd(),
		queueCmd(),
		certsCmd(),
		checkCmd(),
		activityCmd(),
		settingsCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// client mints a short-lived operator token with the controller's signing
// key and returns an API client using it.
func client() (*apiClient, error) {
	cfg, err := config.Load(configPath, ".env")
	if err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSigningKey == "" {
		return nil, errors.New("JWT_SIGNING_KEY is not set")
	}

	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey: cfg.Auth.JWTSigningKey,
		Issuer:     cfg.Auth.JWTIssuer,
		Audience:   cfg.Auth.JWTAudience,
	})
	bearer, _, err := jwtService.GenerateToken(operator, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("mint operator token: %w", err)
	}
	return newAPIClient(serverURL, bearer), nil
}

func run(fn func(ctx context.Context, c *apiClient) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		return fn(cmd.Context(), c)
	}
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func formatTime(t *models.Timestamp) string {
	if t == nil {
		return "-"
	}
	return t.Time().Format(time.RFC3339)
}

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tokens",
		Aliases: []string{"token"},
		Short:   "Manage agent tokens",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List agent tokens",
		RunE: run(func(ctx context.Context, c *apiClient) error {
			var out models.ListResponse[models.Token]
			if err := c.do(ctx, http.MethodGet, "/v1/admin/tokens", nil, &out); err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "ID\tNAME\tSECRET\tHEALTH\tLAST SEEN\tNOTIFY")
			for _, t := range out.Items {
				notify := "off"
				if t.NotifyOnOffline {
					notify = strings.Join(t.NotifyRecipients, ",")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.SecretMasked, t.HealthStatus, formatTime(t.LastSeenAt), notify)
			}
			return w.Flush()
		}),
	}

	create := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a token and print its secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var t models.Token
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/admin/tokens", models.CreateTokenRequest{Name: args[0]}, &t); err != nil {
				return err
			}
			printSecret(t)
			return nil
		},
	}

	secret := &cobra.Command{
		Use:   "secret [id]",
		Short: "Print the full secret of a token, such as the default one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var t models.Token
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/admin/tokens/"+url.PathEscape(args[0])+"?reveal=1", nil, &t); err != nil {
				return err
			}
			printSecret(t)
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate [id]",
		Short: "Replace a token secret; agents using the old one are marked offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var t models.Token
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/admin/tokens/"+url.PathEscape(args[0])+"/rotate", nil, &t); err != nil {
				return err
			}
			printSecret(t)
			return nil
		},
	}

	del := &cobra.Command{
		Use:     "delete [id]",
		Aliases: []string{"rm"},
		Short:   "Delete a token",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/v1/admin/tokens/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("Token %s deleted\n", args[0])
			return nil
		},
	}

	var message string
	offline := &cobra.Command{
		Use:   "offline [id]",
		Short: "Mark a token offline and alert its recipients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var out models.MarkOfflineResponse
			path := "/v1/admin/tokens/" + url.PathEscape(args[0]) + "/offline"
			if err := c.do(cmd.Context(), http.MethodPost, path, models.MarkOfflineRequest{Message: message}, &out); err != nil {
				return err
			}
			fmt.Printf("Token %s is %s (notified: %v)\n", out.Token.Name, out.Token.HealthStatus, out.Notified)
			return nil
		},
	}
	offline.Flags().StringVarP(&message, "message", "m", "", "reason shown in the alert")

	var (
		name       string
		notify     bool
		recipients []string
	)
	update := &cobra.Command{
		Use:   "update [id]",
		Short: "Rename a token or change its offline alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var req models.UpdateTokenRequest
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if cmd.Flags().Changed("notify") {
				req.NotifyOnOffline = &notify
			}
			if cmd.Flags().Changed("recipients") {
				req.NotifyRecipients = recipients
			}
			var t models.Token
			if err := c.do(cmd.Context(), http.MethodPatch, "/v1/admin/tokens/"+url.PathEscape(args[0]), req, &t); err != nil {
				return err
			}
			fmt.Printf("Token %s updated (notify: %v %s)\n", t.Name, t.NotifyOnOffline, strings.Join(t.NotifyRecipients, ","))
			return nil
		},
	}
	update.Flags().StringVar(&name, "name", "", "new token name")
	update.Flags().BoolVar(&notify, "notify", false, "send alerts when the agent goes offline")
	update.Flags().StringSliceVar(&recipients, "recipients", nil, "alert recipients")

	cmd.AddCommand(list, create, secret, rotate, del, offline, update)
	return cmd
}

func printSecret(t models.Token) {
	fmt.Printf("Token:   %s (%s)\n", t.Name, t.ID)
	fmt.Printf("Secret:  %s\n", t.Secret)
	fmt.Println("The secret is shown once; configure the agent with it now.")
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and feed the check queue",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued and leased tasks",
		RunE: run(func(ctx context.Context, c *apiClient) error {
			var out struct {
				models.ListResponse[models.Task]
				Stats models.QueueStats `json:"stats"`
			}
			if err := c.do(ctx, http.MethodGet, "/v1/admin/queue/tasks", nil, &out); err != nil {
				return err
			}
			printTasks(out.Items)
			fmt.Printf("\npending: %d  claimed: %d  total: %d\n", out.Stats.Pending, out.Stats.Claimed, out.Stats.Total)
			return nil
		}),
	}

	var (
		limit     int
		agentOnly string
	)
	peek := &cobra.Command{
		Use:   "peek",
		Short: "Show what the next poll would lease",
		RunE: run(func(ctx context.Context, c *apiClient) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if agentOnly != "" {
				q.Set("agent_only", agentOnly)
			}
			var out models.ListResponse[models.Task]
			if err := c.do(ctx, http.MethodGet, "/v1/admin/queue/peek?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			printTasks(out.Items)
			return nil
		}),
	}
	peek.Flags().IntVarP(&limit, "limit", "n", 20, "maximum tasks to show")
	peek.Flags().StringVar(&agentOnly, "agent-only", "", "1 for agent-only tasks, 0 for the rest, empty for all")

	var req models.EnqueueTaskRequest
	enqueue := &cobra.Command{
		Use:   "enqueue [subject-id] [target]",
		Short: "Queue a check directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			req.SubjectID, req.Target = args[0], args[1]
			var out models.EnqueueTaskResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/admin/queue/tasks", req, &out); err != nil {
				return err
			}
			fmt.Printf("Queued %s (request %s)\n", args[0], out.RequestID)
			return nil
		},
	}
	enqueue.Flags().StringVar(&req.Label, "label", "", "display label")
	enqueue.Flags().StringVar(&req.Context, "context", "manual", "origin recorded on the task")
	enqueue.Flags().BoolVar(&req.AgentOnly, "agent-only", false, "only agents may run the check")

	remove := &cobra.Command{
		Use:     "remove [subject-id]",
		Aliases: []string{"rm"},
		Short:   "Drop a task from the queue",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/v1/admin/queue/tasks/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("Task %s removed\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, peek, enqueue, remove)
	return cmd
}

func printTasks(tasks []models.Task) {
	w := table()
	fmt.Fprintln(w, "SUBJECT\tTARGET\tSTATUS\tCONTEXT\tAGENT ONLY\tATTEMPTS\tREQUEST")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%d\t%s\n", t.SubjectID, t.Target, t.Status, t.Context, t.AgentOnly, t.Attempts, t.RequestID)
	}
	_ = w.Flush()
}

func certsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "certs",
		Aliases: []string{"certificates"},
		Short:   "Manage monitored endpoints",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List monitored endpoints",
		RunE: run(func(ctx context.Context, c *apiClient) error {
			var out models.ListResponse[models.Certificate]
			if err := c.do(ctx, http.MethodGet, "/v1/admin/certificates", nil, &out); err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "ID\tURL\tLABEL\tEXPIRES\tDAYS\tERROR")
			for _, cert := range out.Items {
				days := "-"
				if cert.DaysLeft != nil {
					days = strconv.Itoa(*cert.DaysLeft)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", cert.ID, cert.URL, cert.Label, formatTime(cert.ExpiresAt), days, cert.LastError)
			}
			return w.Flush()
		}),
	}

	var req models.CreateCertificateRequest
	add := &cobra.Command{
		Use:   "add [url]",
		Short: "Monitor an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			req.URL = args[0]
			var out models.Certificate
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/admin/certificates", req, &out); err != nil {
				return err
			}
			fmt.Printf("Monitoring %s as %s\n", out.URL, out.ID)
			return nil
		},
	}
	add.Flags().StringVar(&req.ID, "id", "", "record id, generated when empty")
	add.Flags().StringVar(&req.Label, "label", "", "display label")
	add.Flags().BoolVar(&req.AgentOnly, "agent-only", false, "only agents may check this endpoint")

	del := &cobra.Command{
		Use:     "delete [id]",
		Aliases: []string{"rm"},
		Short:   "Stop monitoring an endpoint",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/v1/admin/certificates/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("Certificate %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, add, del)
	return cmd
}

func checkCmd() *cobra.Command {
	var origin string
	cmd := &cobra.Command{
		Use:   "check [certificate-id]",
		Short: "Dispatch a certificate check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var out models.DispatchResponse
			path := "/v1/admin/certificates/" + url.PathEscape(args[0]) + "/check"
			if err := c.do(cmd.Context(), http.MethodPost, path, models.DispatchRequest{Context: origin}, &out); err != nil {
				return err
			}
			if out.RequestID != "" {
				fmt.Printf("%s (request %s)\n", out.Outcome, out.RequestID)
				return nil
			}
			fmt.Println(out.Outcome)
			return nil
		},
	}
	cmd.Flags().StringVar(&origin, "context", "manual", "origin recorded on the task")
	return cmd
}

func activityCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent controller activity",
		RunE: run(func(ctx context.Context, c *apiClient) error {
			var out models.ListResponse[models.ActivityEntry]
			if err := c.do(ctx, http.MethodGet, "/v1/admin/activity?limit="+strconv.Itoa(limit), nil, &out); err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "TIME\tLEVEL\tMESSAGE")
			for _, e := range out.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Time.Time().Format(time.RFC3339), e.Level, e.Message)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries")
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Remote agent settings",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show remote agent settings",
		RunE: run(func(ctx context.Context, c *apiClient) error {
			var out models.RemoteClientSettings
			if err := c.do(ctx, http.MethodGet, "/v1/admin/settings/remote-client", nil, &out); err != nil {
				return err
			}
			printSettings(out)
			return nil
		}),
	}

	var enabled, fallback bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Change remote agent settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var current models.RemoteClientSettings
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/admin/settings/remote-client", nil, &current); err != nil {
				return err
			}
			if cmd.Flags().Changed("enabled") {
				current.Enabled = enabled
			}
			if cmd.Flags().Changed("local-fallback") {
				current.LocalFallback = fallback
			}
			var out models.RemoteClientSettings
			if err := c.do(cmd.Context(), http.MethodPut, "/v1/admin/settings/remote-client", current, &out); err != nil {
				return err
			}
			printSettings(out)
			return nil
		},
	}
	set.Flags().BoolVar(&enabled, "enabled", false, "route checks to agents")
	set.Flags().BoolVar(&fallback, "local-fallback", true, "allow direct checks when no agent is ready")

	cmd.AddCommand(get, set)
	return cmd
}

func printSettings(s models.RemoteClientSettings) {
	fmt.Printf("Remote agents:   %v\n", s.Enabled)
	fmt.Printf("Local fallback:  %v\n", s.LocalFallback)
	fmt.Printf("Updated:         %s\n", formatTime(s.UpdatedAt))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show controller status",
		RunE: run(func(ctx context.Context, c *apiClient) error {
			var s models.SystemStatus
			if err := c.do(ctx, http.MethodGet, "/v1/ops/status", nil, &s); err != nil {
				return err
			}
			fmt.Printf("Controller:  %s\n", s.Status)
			if s.Queue != nil {
				fmt.Printf("Queue:       %d pending, %d claimed\n", s.Queue.Pending, s.Queue.Claimed)
			}
			if s.Tokens != nil {
				fmt.Printf("Agents:      %d online, %d offline, %d unknown\n", s.Tokens.Online, s.Tokens.Offline, s.Tokens.Unknown)
			}
			for _, sub := range s.Subsystems {
				fmt.Printf("  %-12s %s\n", sub.Name, sub.Status)
			}
			for _, b := range s.Breakers {
				fmt.Printf("  %-12s %s (%s)\n", b.Name, b.Status, b.State)
			}
			return nil
		}),
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("certdispatchctl version %s\n", Version)
		},
	}
}
