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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"protolab/internal/config"
	"protolab/internal/db"
	"protolab/internal/directory"
	"protolab/internal/engine"
	"protolab/internal/migrate"
	"protolab/internal/notify"
	"protolab/internal/repo"
	"protolab/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "protolab",
	Short: "Protolab CLI",
	Long: `Protolab hosts collaborative experiment designs: versioned protocols
that move draft -> published -> locked as the community reviews and runs them.
The CLI serves the HTTP API and gives operators direct access to the
workspace database (designs, ledger).`,
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
	viper.SetEnvPrefix("PROTOLAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(designCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("PROTOLAB_JWT_SECRET (or auth.jwt_secret in protolab.yml) is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}

			var sink notify.Sink = notify.Discard{}
			if cfg.Notifications.WebhookURL != "" {
				d := notify.NewDispatcher(cfg.Notifications.WebhookURL,
					cfg.Notifications.QueueSize,
					time.Duration(cfg.Notifications.TimeoutSeconds)*time.Second)
				d.Start()
				defer d.Close()
				sink = d
			}
			e := engine.New(conn, sink, directory.Static(cfg.Directory.Names))
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
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
			fmt.Printf("Serving Protolab API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
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
			fmt.Println("migrated", db.Path(workspace))
			return nil
		},
	}
}

func designCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "design", Short: "Inspect designs"}
	cmd.AddCommand(designListCmd())
	cmd.AddCommand(designShowCmd())
	return cmd
}

func designListCmd() *cobra.Command {
	var f repo.DesignFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List public designs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				designs, err := e.ListPublicDesigns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(designs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Difficulty", "Ver", "Execs", "Reviews"})
				for _, d := range designs {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.Difficulty, d.PublishedVersion, d.ExecutionCount, d.ReviewCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Discipline, "discipline", "", "discipline tag filter")
	cmd.Flags().StringVar(&f.Difficulty, "difficulty", "", "difficulty filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func designShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <design-id>",
		Short: "Show one design (operator view, drafts included)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDesign(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Contribution ledger"}
	cmd.AddCommand(ledgerTailCmd())
	return cmd
}

func ledgerTailCmd() *cobra.Command {
	var limit int
	var uid string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Ledger.Tail(ctx, limit, uid)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "UID", "Event", "Context"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.TS, entry.UID, entry.EventType, entry.Context})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&uid, "uid", "", "filter by user id")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	cmd.AddCommand(tokenMintCmd())
	return cmd
}

func tokenMintCmd() *cobra.Command {
	var uid string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if uid == "" {
				return fmt.Errorf("--uid is required")
			}
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("PROTOLAB_JWT_SECRET (or auth.jwt_secret in protolab.yml) is required")
			}
			token, err := server.MintToken(secret, uid, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func jwtSecret(cfg *config.Config) string {
	if s := os.Getenv("PROTOLAB_JWT_SECRET"); s != "" {
		return s
	}
	return cfg.Auth.JWTSecret
}

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
	return fn(ctx, engine.New(conn, nil, nil))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
