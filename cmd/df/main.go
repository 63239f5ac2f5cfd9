package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docflow/internal/app"
	"docflow/internal/config"
	"docflow/internal/db"
	"docflow/internal/domain"
	"docflow/internal/engine"
	"docflow/internal/migrate"
	"docflow/internal/repo"
	"docflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "df",
	Short: "Docflow CLI",
	Long: `Docflow routes documents through approval obligations.
Core concepts:
- Workspace: your .docflow directory holding the database; policy lives in docflow.yml.
- Document: the thing being routed; it stays enroute until approvals finish or someone disapproves.
- Action request: an obligation (fyi, acknowledge, approve, complete) addressed to a user, a group, or a role.
- Action item: the per-person inbox entry derived from a request; 'df actionlist' shows the consolidated view.
- Action taken: the permanent route-log record of what someone actually did.
- Groups: nested membership; changing members resyncs action items for pending requests.
- Delegation: a primary delegate's action supersedes the delegator's request, a secondary delegate's does not.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DOCFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(actionListCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func documentCmd() *cobra.Command {
	doc := &cobra.Command{Use: "document", Short: "Manage documents"}
	doc.AddCommand(documentCreateCmd())
	doc.AddCommand(documentShowCmd())
	doc.AddCommand(documentListCmd())
	doc.AddCommand(documentLogCmd())
	return doc
}

func documentCreateCmd() *cobra.Command {
	var id, docType, title, initiator, routeNode string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if initiator == "" {
					initiator = viper.GetString("actor-id")
				}
				d, err := e.CreateDocument(ctx, engine.DocumentCreateOptions{
					ID:          id,
					DocType:     docType,
					Title:       title,
					InitiatorID: initiator,
					RouteNode:   routeNode,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "document id (optional)")
	cmd.Flags().StringVar(&docType, "type", "", "document type")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&initiator, "initiator", "", "initiator principal (defaults to actor)")
	cmd.Flags().StringVar(&routeNode, "route-node", "", "initial route node")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func documentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a document and its request forest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				requests, err := e.Repo.ListCurrentRequests(ctx, d.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"document": d, "requests": requests})
			})
		},
	}
	return cmd
}

func documentListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.Repo.ListDocuments(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				t := newTable("ID", "TYPE", "TITLE", "STATUS", "INITIATOR", "NODE")
				for _, d := range docs {
					t.AppendRow(table.Row{d.ID, d.DocType, d.Title, d.Status, d.InitiatorID, d.RouteNode})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max documents")
	return cmd
}

func documentLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show the route log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetDocument(ctx, args[0]); err != nil {
					return err
				}
				actions, err := e.Repo.ListActionsTaken(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				t := newTable("WHEN", "PRINCIPAL", "ACTION", "ANNOTATION")
				for _, a := range actions {
					t.AppendRow(table.Row{a.CreatedAt, a.PrincipalID, a.ActionCode, a.Annotation})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Resolve action requests"}
	req.AddCommand(requestResolveCmd())
	return req
}

func requestResolveCmd() *cobra.Command {
	var documentID, action, principal, group, role, qualifier, responsibility, approvePolicy, annotation, routeNode string
	var priority int
	var forceAction bool
	var delegates []string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve an action request against a recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := engine.RequestSpec{
				ActionRequested:  action,
				PrincipalID:      principal,
				GroupID:          group,
				RoleName:         role,
				Qualifier:        qualifier,
				Priority:         priority,
				ResponsibilityID: responsibility,
				ForceAction:      forceAction,
				ApprovePolicy:    approvePolicy,
				Annotation:       annotation,
			}
			switch {
			case principal != "":
				spec.RecipientType = domain.RecipientUser
			case group != "":
				spec.RecipientType = domain.RecipientGroup
			case role != "":
				spec.RecipientType = domain.RecipientRole
			default:
				return fmt.Errorf("--principal, --group or --role required")
			}
			for _, d := range delegates {
				ds, err := parseDelegate(d)
				if err != nil {
					return err
				}
				spec.Delegates = append(spec.Delegates, ds)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.ResolveRequests(ctx, documentID, routeNode, []engine.RequestSpec{spec}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				for _, a := range result.Anomalies {
					fmt.Fprintf(os.Stderr, "anomaly: %s\n", a.Error())
				}
				return printJSONOrTable(result.Requests)
			})
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "document id")
	cmd.Flags().StringVar(&action, "action", "approve", "requested action (fyi, acknowledge, approve, complete)")
	cmd.Flags().StringVar(&principal, "principal", "", "user recipient")
	cmd.Flags().StringVar(&group, "group", "", "group recipient")
	cmd.Flags().StringVar(&role, "role", "", "role recipient")
	cmd.Flags().StringVar(&qualifier, "qualifier", "", "role qualification label")
	cmd.Flags().IntVar(&priority, "priority", 0, "request priority")
	cmd.Flags().StringVar(&responsibility, "responsibility", "", "responsibility id")
	cmd.Flags().BoolVar(&forceAction, "force-action", false, "require action even after a prior equal action")
	cmd.Flags().StringVar(&approvePolicy, "approve-policy", "", "first or all (defaults per document type)")
	cmd.Flags().StringVar(&annotation, "annotation", "", "annotation")
	cmd.Flags().StringVar(&routeNode, "route-node", "", "route node (defaults to document's)")
	cmd.Flags().StringArrayVar(&delegates, "delegate", nil, "delegate as <principal|group:id>:<primary|secondary> (repeatable)")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func parseDelegate(in string) (engine.DelegateSpec, error) {
	parts := strings.Split(in, ":")
	if len(parts) != 3 {
		return engine.DelegateSpec{}, fmt.Errorf("delegate %q must be <principal|group>:<id>:<primary|secondary>", in)
	}
	spec := engine.DelegateSpec{DelegationType: parts[2]}
	switch parts[0] {
	case "principal":
		spec.PrincipalID = parts[1]
	case "group":
		spec.GroupID = parts[1]
	default:
		return engine.DelegateSpec{}, fmt.Errorf("delegate kind %q must be principal or group", parts[0])
	}
	return spec, nil
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Record actions"}
	act.AddCommand(actionTakeCmd())
	return act
}

func actionTakeCmd() *cobra.Command {
	var documentID, principal, action, annotation string
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Record an action on a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				principal = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				taken, err := e.RecordActionTaken(ctx, engine.ActionOptions{
					DocumentID:  documentID,
					PrincipalID: principal,
					ActionCode:  action,
					Annotation:  annotation,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(taken)
			})
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "document id")
	cmd.Flags().StringVar(&principal, "principal", "", "acting principal (defaults to actor)")
	cmd.Flags().StringVar(&action, "action", "", "action (fyi, acknowledge, approve, complete, disapprove, blanket_approve)")
	cmd.Flags().StringVar(&annotation, "annotation", "", "annotation")
	_ = cmd.MarkFlagRequired("document")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func actionListCmd() *cobra.Command {
	var principal, documentID string
	var full bool
	cmd := &cobra.Command{
		Use:   "actionlist",
		Short: "Show a principal's action list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				principal = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if full {
					items, err := e.PendingActionItems(ctx, principal, documentID)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(items)
					}
					t := newTable("DOCUMENT", "ACTION", "REQUEST", "DELEGATOR", "SINCE")
					for _, item := range items {
						delegator := ""
						if item.DelegatorID != nil {
							delegator = *item.DelegatorID
						}
						t.AppendRow(table.Row{item.DocumentID, item.ActionRequested, item.ActionRequestID, delegator, item.CreatedAt})
					}
					t.Render()
					return nil
				}
				entries, err := e.ActionList(ctx, principal)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				t := newTable("DOCUMENT", "ACTION", "PATHS", "SINCE")
				for _, entry := range entries {
					t.AppendRow(table.Row{entry.Item.DocumentID, entry.Item.ActionRequested, entry.Paths, entry.Item.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal (defaults to actor)")
	cmd.Flags().StringVar(&documentID, "document", "", "filter by document (with --full)")
	cmd.Flags().BoolVar(&full, "full", false, "show every item instead of the consolidated view")
	return cmd
}

func groupCmd() *cobra.Command {
	grp := &cobra.Command{Use: "group", Short: "Manage groups"}
	grp.AddCommand(groupCreateCmd())
	grp.AddCommand(groupListCmd())
	grp.AddCommand(groupShowCmd())
	grp.AddCommand(groupAddMemberCmd())
	grp.AddCommand(groupRemoveMemberCmd())
	grp.AddCommand(groupPropagateCmd())
	return grp
}

func groupCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" && name == "" {
				return fmt.Errorf("--id or --name required")
			}
			if id == "" {
				id = name
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGroup(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "group id")
	cmd.Flags().StringVar(&name, "name", "", "group name")
	return cmd
}

func groupListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				groups, err := e.Identity.ListGroups(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(groups)
			})
		},
	}
	return cmd
}

func groupShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a group and its direct members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Identity.GetGroup(ctx, args[0])
				if err != nil {
					return err
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				members, err := e.Identity.DirectMembers(ctx, tx, g.ID)
				if err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"group": g, "members": members})
			})
		},
	}
	return cmd
}

func groupAddMemberCmd() *cobra.Command {
	var groupID, memberID, memberType string
	cmd := &cobra.Command{
		Use:   "add-member",
		Short: "Add a member and propagate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.AddGroupMember(ctx, groupID, memberID, memberType, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "group id")
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&memberType, "member-type", "principal", "principal or group")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func groupRemoveMemberCmd() *cobra.Command {
	var groupID, memberID, memberType string
	cmd := &cobra.Command{
		Use:   "remove-member",
		Short: "Remove a member and propagate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.RemoveGroupMember(ctx, groupID, memberID, memberType, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "group id")
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&memberType, "member-type", "principal", "principal or group")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func groupPropagateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "propagate <id>",
		Short: "Resync action items for a group's pending requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.PropagateMembershipChange(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apiKeyCreateCmd())
	key.AddCommand(apiKeyListCmd())
	key.AddCommand(apiKeyRevokeCmd())
	return key
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("id: %s\nactor: %s\nkey: %s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default docflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath, docType string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import YAML config and store it for a document type",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if docType != "" {
					if err := r.UpsertDocTypeConfig(ctx, docType, cfg); err != nil {
						return err
					}
					return printJSONOrTable(cfg)
				}
				for dt := range cfg.DocumentTypes.Catalog {
					if err := r.UpsertDocTypeConfig(ctx, dt, cfg); err != nil {
						return err
					}
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	cmd.Flags().StringVar(&docType, "doc-type", "", "store only for one document type")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var documentID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, documentID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&documentID, "document", "", "document filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if err := app.SeedDocTypeConfigs(cmd.Context(), r, cfg); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("DOCFLOW_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DOCFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Docflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	if err := app.SeedDocTypeConfigs(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(headers)
	return t
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
