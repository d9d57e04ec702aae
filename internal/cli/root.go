// Package cli implements the storefront command line client.
package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Skotchmaster/storefront/pkg/apiclient"
	"github.com/Skotchmaster/storefront/pkg/authclient"
	"github.com/Skotchmaster/storefront/pkg/config"
	"github.com/Skotchmaster/storefront/pkg/credstore"
	"github.com/Skotchmaster/storefront/pkg/logging"
	"github.com/Skotchmaster/storefront/pkg/session"
)

const (
	exitOK       = 0
	exitRejected = 1
	exitError    = 2
)

type app struct {
	cfg     config.Client
	jsonOut bool
	log     *slog.Logger
}

// Execute builds the command tree from the environment and runs it.
func Execute() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	return NewRootCommand(cfg).Execute()
}

func NewRootCommand(cfg config.Client) *cobra.Command {
	a := &app{cfg: cfg}

	root := &cobra.Command{
		Use:   "storefront",
		Short: "Sign in to the storefront API and manage the local session",
		Long: `storefront keeps a storefront session on this machine.

Environment Variables:
  STOREFRONT_API_URL      Backend API URL (default: http://localhost:8080)
  STOREFRONT_CREDENTIALS  Credentials file (default: <user config dir>/storefront/credentials.json)
  STOREFRONT_REDIS_URL    Keep credentials in Redis instead of a file
  STOREFRONT_LOG_LEVEL    debug, info, warn or error (default: warn)`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.log = logging.NewWithWriter(cmd.ErrOrStderr(), a.cfg.LogLevel)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.APIURL, "api-url", cfg.APIURL, "Backend API URL (overrides STOREFRONT_API_URL)")
	flags.StringVar(&a.cfg.Credentials, "credentials", cfg.Credentials, "Credentials file (overrides STOREFRONT_CREDENTIALS)")
	flags.StringVar(&a.cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for credentials (overrides STOREFRONT_REDIS_URL)")
	flags.BoolVar(&a.jsonOut, "json", false, "Output JSON instead of human-readable text")

	root.AddCommand(
		a.loginCommand(),
		a.googleLoginCommand(),
		a.registerCommand(),
		a.logoutCommand(),
		a.whoamiCommand(),
	)
	return root
}

func (a *app) logger() *slog.Logger {
	if a.log == nil {
		return logging.Discard()
	}
	return a.log
}

// openSession wires the credential store, request pipeline and session
// manager. The returned func releases the store.
func (a *app) openSession() (*session.Manager, func(), error) {
	store, closeStore, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}

	l := a.logger()
	httpClient := &http.Client{Timeout: a.cfg.Timeout}
	refresher := authclient.NewRefreshClient(a.cfg.APIURL, httpClient)
	pipe := apiclient.New(a.cfg.APIURL, store, refresher,
		apiclient.WithHTTPClient(httpClient),
		apiclient.WithLogger(l),
	)

	m := session.NewManager(authclient.NewClient(pipe), store, session.WithLogger(l))
	pipe.OnSessionExpired(m.SessionExpired)
	return m, closeStore, nil
}

func (a *app) openStore() (credstore.Store, func(), error) {
	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		closeFn := func() {
			if err := client.Close(); err != nil {
				a.logger().Warn("redis_close_failed", "error", err)
			}
		}
		return credstore.NewRedisStore(client), closeFn, nil
	}

	path := a.cfg.Credentials
	if path == "" {
		p, err := credstore.DefaultPath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	}
	return credstore.NewFileStore(path), func() {}, nil
}

func exitOn(code int) {
	if code != exitOK {
		os.Exit(code)
	}
}
