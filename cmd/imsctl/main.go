// Command imsctl administers an IMS deployment from the command line.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ims/api/internal/app"
	"ims/api/internal/blob"
	"ims/api/internal/config"
	"ims/api/internal/gitrepo"
	"ims/api/internal/logging"
	"ims/api/internal/search"
	"ims/api/internal/store"
)

var (
	cfg config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "imsctl",
	Short: "Administer the IMS API",
	Long: `Administer the IMS API.

Configuration is read from the environment and IMS_CONFIG_FILE, the same
way the API server reads it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		log = logging.Setup(cfg.LogLevel, cfg.LogFormat)
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// runtime holds the components a command needs. close releases them.
type runtime struct {
	db      *sql.DB
	store   *store.PostgresStore
	search  *search.Service
	service *app.Service
	meili   *search.Meili
}

func (r *runtime) close() {
	if r.meili != nil {
		r.meili.Close()
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}

func openRuntime(ctx context.Context) (*runtime, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	rt := &runtime{db: db, store: store.NewPostgresStore(db)}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		rt.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	rt.search = search.NewService(rt.meili, search.NewPgFTS(db))

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open blob storage: %w", err)
	}
	rt.service = app.New(cfg, rt.store, gitrepo.New(cfg.HistoryDir), blobs, rt.search)
	return rt, nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
