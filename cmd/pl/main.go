package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"permitline/internal/app"
	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/projection"
	"permitline/internal/repo"
	"permitline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Permitline CLI",
	Long: `Permitline runs the permit-request lifecycle: a client files a request,
the window clerk validates it, the technical director reviews it, executive
direction approves it and the national authority issues the certificate.
- Workspace: the .permitline directory holding the SQLite database; permitline.yml sits next to it.
- Requests: each carries a state, a version and a versioned form payload with document references.
- Transitions: role + action pairs checked against the registry; every accepted one appends to the timeline.
- Timeline: append-only audit log, view with 'pl log tail' or 'pl request timeline'.
- Queues and dashboards: per-role projections of what is actionable and how many are pending, approved or rejected.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := configureLogger(viper.GetString("log-level"), viper.GetString("log-format")); err != nil {
			return err
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PERMITLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowHeaders, devLogin bool
	var webhookInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			a, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				Logger:     slog.Default(),
				Registerer: reg,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowHeaders,
				AllowDevLogin:          devLogin,
				Logger:                 a.Logger,
			}
			if authCfg.JWTSecret == "" && !allowHeaders {
				return fmt.Errorf("PERMITLINE_JWT_SECRET is required for bearer auth")
			}
			if devLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs PERMITLINE_JWT_SECRET to sign tokens")
			}
			handler, err := server.New(server.Config{
				Engine:     a.Engine,
				Projection: a.Projection,
				BasePath:   basePath,
				Auth:       authCfg,
				Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
				Logger:     a.Logger,
			})
			if err != nil {
				return err
			}

			dispatcher := server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Logger)
			if webhookInterval > 0 {
				dispatcher.Interval = webhookInterval
			}
			go dispatcher.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving permitline api", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", basePath+"/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowHeaders, "allow-actor-headers", false, "accept unauthenticated X-Actor-Id/X-Actor-Role headers (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login to mint tokens")
	cmd.Flags().DurationVar(&webhookInterval, "webhook-interval", 0, "audit feed polling interval")
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "File and inspect permit requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestTimelineCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var applicant, service, kind, payload string
	var docs []string
	var draft, system bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a new request",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseRequestKind(kind)
			if err != nil {
				return err
			}
			raw, err := readPayload(payload)
			if err != nil {
				return err
			}
			documents, err := parseDocuments(docs)
			if err != nil {
				return err
			}
			if applicant == "" {
				applicant = viper.GetString("actor-id")
			}
			in := engine.CreateRequestInput{
				ApplicantID: applicant,
				ServiceType: service,
				Kind:        k,
				Payload:     raw,
				Documents:   documents,
				ActorRole:   domain.RoleClient,
				ActorID:     viper.GetString("actor-id"),
				Draft:       draft,
			}
			if system {
				in.ActorRole = domain.RoleSystem
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.CreateRequest(ctx, in)
				if err != nil {
					return err
				}
				return printRequest(a, r)
			})
		},
	}
	cmd.Flags().StringVar(&applicant, "applicant", "", "applicant id (defaults to --actor-id)")
	cmd.Flags().StringVar(&service, "service", "", "service type")
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindNew), "request kind (NEW, RENEWAL, LOST_OR_STOLEN_REPLACEMENT)")
	cmd.Flags().StringVar(&payload, "payload", "", "form payload as JSON, or @file")
	cmd.Flags().StringArrayVar(&docs, "doc", nil, "document as kind=ref[:name] (repeatable)")
	cmd.Flags().BoolVar(&draft, "draft", false, "start in DRAFT")
	cmd.Flags().BoolVar(&system, "system", false, "record the creation as SYSTEM (imports)")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its current payload and documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printRequest(a, r)
			})
		},
	}
}

func requestListCmd() *cobra.Command {
	var states []string
	var kind, service, applicant string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.RequestFilters{ApplicantID: applicant, ServiceType: service, Limit: limit}
			for _, s := range states {
				st, err := domain.ParseState(s)
				if err != nil {
					return err
				}
				f.States = append(f.States, st)
			}
			if kind != "" {
				k, err := domain.ParseRequestKind(kind)
				if err != nil {
					return err
				}
				f.Kind = k
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				return printRequests(a, items)
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "state filter (repeatable)")
	cmd.Flags().StringVar(&kind, "kind", "", "request kind filter")
	cmd.Flags().StringVar(&service, "service", "", "service type filter")
	cmd.Flags().StringVar(&applicant, "applicant", "", "applicant filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func requestTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <id>",
		Short: "Show a request's timeline, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.GetTimeline(ctx, args[0])
				if err != nil {
					return err
				}
				return printTimeline(entries)
			})
		},
	}
}

func transitionCmd() *cobra.Command {
	var role, action, comment, payload, documentID string
	var docs []string
	var expected int64
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Apply an action to a request as a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			act, err := domain.ParseAction(action)
			if err != nil {
				return err
			}
			raw, err := readPayload(payload)
			if err != nil {
				return err
			}
			documents, err := parseDocuments(docs)
			if err != nil {
				return err
			}
			in := engine.TransitionInput{
				RequestID:       args[0],
				ActorRole:       r,
				ActorID:         viper.GetString("actor-id"),
				Action:          act,
				Comment:         comment,
				ExpectedVersion: expected,
				Payload:         raw,
				Documents:       documents,
				DocumentID:      documentID,
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ApplyTransition(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s (version %d)\n", res.Request.ID, res.Entry.FromState, res.Entry.ToState, res.Request.Version)
				if res.Request.CertificateRef != "" {
					fmt.Println("certificate:", res.Request.CertificateRef)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role to act as")
	cmd.Flags().StringVar(&action, "action", "", "action (submit, validate, return, resubmit, review, approve, reject, remove_document)")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment (required by return and reject)")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail unless the request is at this version")
	cmd.Flags().StringVar(&payload, "payload", "", "new form payload as JSON, or @file (submit, resubmit)")
	cmd.Flags().StringArrayVar(&docs, "doc", nil, "document as kind=ref[:name] (repeatable)")
	cmd.Flags().StringVar(&documentID, "document-id", "", "document to remove (remove_document)")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func queueCmd() *cobra.Command {
	var applicant string
	var limit int
	cmd := &cobra.Command{
		Use:   "queue <role>",
		Short: "List requests the role can act on, oldest update first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(args[0], applicant)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Projection.ListActionable(ctx, scope, limit)
				if err != nil {
					return err
				}
				return printRequests(a, items)
			})
		},
	}
	cmd.Flags().StringVar(&applicant, "applicant", "", "applicant id for the client queue (defaults to --actor-id)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func dashboardCmd() *cobra.Command {
	var applicant string
	cmd := &cobra.Command{
		Use:   "dashboard <role>",
		Short: "Show pending, approved and rejected counts for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(args[0], applicant)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Projection.Counts(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.DashboardResponse{Role: string(scope.Role), Counts: counts})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Pending", "Approved", "Rejected"})
				tw.AppendRow(table.Row{scope.Role, counts.Pending, counts.Approved, counts.Rejected})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&applicant, "applicant", "", "applicant id for the client dashboard (defaults to --actor-id)")
	return cmd
}

func rolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "Show the transition registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rules := a.Engine.Registry.Rules()
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "Role", "Action", "Next", "Audit", "Comment"})
				for _, r := range rules {
					comment := ""
					if r.RequiresComment {
						comment = "required"
					}
					tw.AppendRow(table.Row{r.From, r.Role, r.Action, r.Next, r.Audit, comment})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the timeline across requests"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var action, role, requestID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail timeline entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.TimelineFilters{RequestID: requestID, Limit: n}
			if action != "" {
				f.Action = domain.AuditAction(strings.ToUpper(action))
				if !f.Action.Valid() {
					return fmt.Errorf("unknown audit action %q", action)
				}
			}
			if role != "" {
				r, err := domain.ParseRole(role)
				if err != nil {
					return err
				}
				f.ActorRole = r
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.Repo.LatestTimeline(ctx, f)
				if err != nil {
					return err
				}
				return printTimeline(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "audit action filter (e.g. RETURN)")
	cmd.Flags().StringVar(&role, "role", "", "actor role filter")
	cmd.Flags().StringVar(&requestID, "request", "", "request id filter")
	return cmd
}

func verifyCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "verify [id]",
		Short: "Replay timelines and compare with stored states",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var reports []engine.ReplayReport
				if len(args) == 1 {
					rep, err := a.Engine.VerifyReplay(ctx, args[0])
					if err != nil {
						return err
					}
					reports = append(reports, rep)
				} else {
					var err error
					reports, err = a.Engine.VerifyAll(ctx, workers)
					if err != nil {
						return err
					}
				}
				drifted := 0
				for _, r := range reports {
					if !r.OK() {
						drifted++
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{"ok": drifted == 0, "checked": len(reports), "reports": reports}); err != nil {
						return err
					}
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Request", "Stored", "Replayed", "Entries", "Status"})
					for _, r := range reports {
						status := "ok"
						if !r.OK() {
							status = "DRIFT"
							if r.Error != "" {
								status = r.Error
							}
						}
						tw.AppendRow(table.Row{r.RequestID, r.Stored, r.Replayed, r.Entries, status})
					}
					tw.Render()
				}
				if drifted > 0 {
					return fmt.Errorf("%d of %d requests do not replay to their stored state", drifted, len(reports))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "parallel replays")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "permitline.yml holds the workflow switches (drafts, reopen policy), document checklists, certificate prefix, notification targets, audit webhooks and dashboard caching.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default permitline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate permitline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyDeleteCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var actor, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key bound to one actor and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret, err := newAPIKey()
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actor,
				Role:    r,
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": secret})
				}
				fmt.Printf("api key %s for %s as %s\n%s\n(store it now, it is not shown again)\n", key.ID, key.ActorID, key.Role, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "role", "", "role the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseScope(rawRole, applicant string) (projection.Scope, error) {
	role, err := domain.ParseRole(rawRole)
	if err != nil {
		return projection.Scope{}, err
	}
	if role == domain.RoleSystem {
		return projection.Scope{}, fmt.Errorf("SYSTEM has no queue")
	}
	scope := projection.Scope{Role: role}
	if role == domain.RoleClient {
		scope.ApplicantID = applicant
		if scope.ApplicantID == "" {
			scope.ApplicantID = viper.GetString("actor-id")
		}
	}
	return scope, nil
}

// readPayload accepts inline JSON or @path.
func readPayload(v string) (json.RawMessage, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	data := []byte(v)
	if strings.HasPrefix(v, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(v, "@"))
		if err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func parseDocuments(specs []string) ([]engine.DocumentInput, error) {
	var out []engine.DocumentInput
	for _, s := range specs {
		kind, rest, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(kind) == "" || strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("document %q: want kind=ref[:name]", s)
		}
		ref, name, _ := strings.Cut(rest, ":")
		out = append(out, engine.DocumentInput{
			Kind: strings.TrimSpace(kind),
			Ref:  strings.TrimSpace(ref),
			Name: strings.TrimSpace(name),
		})
	}
	return out, nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pl_" + hex.EncodeToString(buf), nil
}

func printRequest(a *app.App, r domain.Request) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", r.ID})
	tw.AppendRow(table.Row{"Applicant", r.ApplicantID})
	tw.AppendRow(table.Row{"Service", r.ServiceType})
	tw.AppendRow(table.Row{"Kind", r.Kind})
	tw.AppendRow(table.Row{"State", r.State})
	tw.AppendRow(table.Row{"Holder", holderLabel(a, r)})
	tw.AppendRow(table.Row{"Version", r.Version})
	tw.AppendRow(table.Row{"Payload", "v" + strconv.Itoa(r.PayloadVersion)})
	if r.CertificateRef != "" {
		tw.AppendRow(table.Row{"Certificate", r.CertificateRef})
	}
	for _, d := range r.Documents {
		tw.AppendRow(table.Row{"Document", fmt.Sprintf("%s %s %s", d.ID, d.Kind, d.Ref)})
	}
	tw.AppendRow(table.Row{"Updated", r.UpdatedAt})
	tw.Render()
	return nil
}

func printRequests(a *app.App, items []domain.Request) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []domain.Request{}
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Applicant", "Service", "Kind", "State", "Holder", "Version", "Updated"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.ApplicantID, r.ServiceType, r.Kind, r.State, holderLabel(a, r), r.Version, r.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printTimeline(entries []domain.TimelineEntry) error {
	if viper.GetBool("json") {
		if entries == nil {
			entries = []domain.TimelineEntry{}
		}
		return printJSON(entries)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Request", "At", "Action", "Role", "Actor", "From", "To", "Comment"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.ID, e.RequestID, e.OccurredAt, e.Action, e.ActorRole, e.ActorIdentity, e.FromState, e.ToState, e.Comment})
	}
	tw.Render()
	return nil
}

func holderLabel(a *app.App, r domain.Request) string {
	h := a.Engine.Registry.Holder(r)
	if h == domain.RoleNone {
		return "-"
	}
	return string(h)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
