package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"thesisdesk/internal/anchor"
	"thesisdesk/internal/auth"
	"thesisdesk/internal/chat"
	"thesisdesk/internal/config"
	"thesisdesk/internal/document"
	"thesisdesk/internal/realtime"
	"thesisdesk/internal/search"
	"thesisdesk/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "thesisctl",
	Short: "Operator tool for the ThesisDesk portal",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations, or revert the newest with --down",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		down, _ := cmd.Flags().GetInt("down")
		ctx := cmd.Context()
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()

		source := store.MigrationSource(cfg.MigrationsDir)
		out := cmd.OutOrStdout()
		if down > 0 {
			reverted, err := store.RollbackMigrations(ctx, db, source, down)
			for _, v := range reverted {
				fmt.Fprintf(out, "reverted %s\n", v)
			}
			if err != nil {
				return fmt.Errorf("reverting migrations: %w", err)
			}
			return nil
		}
		applied, err := store.ApplyMigrations(ctx, db, source)
		for _, v := range applied {
			fmt.Fprintf(out, "applied %s\n", v)
		}
		if err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
		if len(applied) == 0 {
			fmt.Fprintln(out, "Schema is up to date")
		}
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the Meilisearch indexes from PostgreSQL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()

		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
		if !meili.Healthy() {
			return errors.New("meilisearch is not reachable")
		}
		search.NewService(meili, search.NewPgFTS(db)).ReindexAllFromPG(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "Reindex finished")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a development access token signed with SUPABASE_JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.SupabaseJWTSecret == "" {
			return errors.New("SUPABASE_JWT_SECRET is not set")
		}
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := auth.IssueToken([]byte(cfg.SupabaseJWTSecret), args[0], email, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <chapter.json> <comments.json>",
	Short: "Resolve stored comment anchors against a chapter document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading chapter: %w", err)
		}
		doc, err := document.Parse(raw)
		if err != nil {
			return fmt.Errorf("parsing chapter: %w", err)
		}
		rawComments, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading comments: %w", err)
		}
		var anchors []anchor.Anchor
		if err := json.Unmarshal(rawComments, &anchors); err != nil {
			return fmt.Errorf("parsing comments: %w", err)
		}

		resolver := anchor.NewResolver()
		resolver.Hydrate(doc, anchors)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFROM\tTO\tQUOTE")
		for _, r := range resolver.Snapshot() {
			if r.Range == nil {
				fmt.Fprintf(w, "%s\t-\t-\t%q (orphaned)\n", r.Anchor.ID, r.Anchor.ExactMatch)
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%q\n", r.Anchor.ID, r.Range.From, r.Range.To, r.Anchor.ExactMatch)
		}
		return w.Flush()
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Connect as a user, send one message and print the conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		peer, _ := cmd.Flags().GetString("peer")
		message, _ := cmd.Flags().GetString("message")
		accessToken, _ := cmd.Flags().GetString("access-token")
		wait, _ := cmd.Flags().GetDuration("wait")
		if user == "" || peer == "" {
			return errors.New("--user and --peer are required")
		}

		ctx := cmd.Context()
		rows, closeRows, err := openRows(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeRows()
		link, err := openLink(cfg, accessToken)
		if err != nil {
			return err
		}
		defer link.close()

		engine := chat.NewEngine(link.wrap(rows), link.dial)
		defer engine.Close()
		if err := engine.Connect(ctx, user); err != nil {
			return err
		}
		if err := waitConnected(ctx, engine, wait); err != nil {
			return err
		}

		if message != "" {
			if _, err := engine.SendMessage(ctx, peer, message, chat.TypeText, nil); err != nil {
				return fmt.Errorf("sending message: %w", err)
			}
		}
		if err := engine.MarkReadForPeer(ctx, peer); err != nil {
			return fmt.Errorf("marking conversation read: %w", err)
		}

		out := cmd.OutOrStdout()
		for _, m := range engine.Conversation(peer) {
			fmt.Fprintf(out, "%s  %-8s %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Status, m.SenderID, m.Body)
		}
		fmt.Fprintf(out, "%s online: %v\n", peer, engine.IsUserOnline(peer))
		return nil
	},
}

func openRows(ctx context.Context, cfg config.Config) (store.Rows, func(), error) {
	switch cfg.RowsBackend {
	case config.BackendPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		return store.NewPostgresStore(db), func() { db.Close() }, nil
	case config.BackendSupabase:
		return store.NewSupabaseRows(cfg.SupabaseURL, cfg.SupabaseKey), func() {}, nil
	default:
		return store.NewMemoryRows(), func() {}, nil
	}
}

// realtimeLink is the chat transport for one command run. Supabase announces
// row changes itself; a Redis link needs them published from the writes.
type realtimeLink struct {
	dial      realtime.Dialer
	publisher realtime.ChangePublisher
	close     func()
}

func (l realtimeLink) wrap(rows store.Rows) store.Rows {
	if l.publisher == nil {
		return rows
	}
	return store.NewNotifying(rows, l.publisher)
}

func redisLink(hub *realtime.RedisHub) realtimeLink {
	return realtimeLink{dial: hub.Dialer(), publisher: hub, close: func() { hub.Client().Close() }}
}

func openLink(cfg config.Config, accessToken string) (realtimeLink, error) {
	if cfg.RealtimeBackend == config.BackendSupabase {
		rt, err := realtime.NewSupabaseRealtime(cfg.SupabaseURL, cfg.SupabaseKey, accessToken)
		if err != nil {
			return realtimeLink{}, err
		}
		return realtimeLink{dial: rt.Dialer(), close: func() {}}, nil
	}
	hub, err := realtime.NewRedisHubFromURL(cfg.RedisURL)
	if err != nil {
		return realtimeLink{}, fmt.Errorf("connecting to redis: %w", err)
	}
	return redisLink(hub.WithPresenceTTL(cfg.PresenceTTL)), nil
}

func waitConnected(ctx context.Context, engine *chat.Engine, timeout time.Duration) error {
	changes, unsubscribe := engine.Subscribe()
	defer unsubscribe()
	deadline := time.After(timeout)
	for engine.State() != chat.Connected {
		select {
		case <-changes:
		case <-deadline:
			return fmt.Errorf("not connected after %s (state %s)", timeout, engine.State())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Int("down", 0, "Revert this many of the newest applied migrations")
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("email", "", "Email claim")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("user", "", "User id to connect as")
	chatCmd.Flags().String("peer", "", "Conversation partner")
	chatCmd.Flags().StringP("message", "m", "", "Message to send")
	chatCmd.Flags().String("access-token", "", "Supabase access token for the realtime backend")
	chatCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for the channel")
}
