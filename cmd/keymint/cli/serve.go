package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keymint/keymint/internal/engine"
	"github.com/keymint/keymint/internal/server"
	"github.com/keymint/keymint/internal/service"
	"github.com/keymint/keymint/internal/signing"
)

const banner = `
 _  _________   ____  __ ___ _  _ _____
| |/ / __\ \ / /  \/  |_ _| \| |_   _|
| ' <| _| \ V /| |\/| || || .' | | |
|_|\_\___| |_| |_|  |_|___|_|\_| |_|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keymint API server",
		Long:  "Start the HTTP server that exposes the activation, verification, and admin APIs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging, CORS *)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	// Set up logger
	logLevel := slog.LevelInfo
	if dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	// 1. Open the code store
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if viper.GetString("database.dsn") != "" {
		logger.Info("store opened", "driver", "postgres")
	} else {
		logger.Info("store opened", "driver", "sqlite", "path", resolveDataDir())
	}

	// 2. Load the response signing key. Refusing to start beats serving
	// unsigned activation responses.
	privateKeyPEM, err := loadSigningKey()
	if err != nil {
		return err
	}
	ttl := viper.GetDuration("signing.ttl")
	if ttl == 0 {
		ttl = signing.DefaultTTL
	}
	signer, err := signing.NewSigner(privateKeyPEM, viper.GetString("signing.kid"), ttl)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	logger.Info("response signing initialized", "ttl", ttl)

	// 3. Initialize auth service
	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		if !dev {
			return fmt.Errorf("auth.jwt_secret is required (set KEYMINT_AUTH_JWT_SECRET)")
		}
		jwtSecret = "keymint-dev-secret-change-me"
		logger.Warn("using development jwt secret")
	}
	authSvc := service.NewAuthService(st, jwtSecret)

	// 4. Check for first-run (no admin exists)
	hasAdmin, err := st.HasAnyAdmin(context.Background())
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: keymint admin create")
	}

	// 5. Build and start HTTP server
	eng := engine.New(st, logger)

	srvCfg := server.DefaultConfig()
	srvCfg.Host = host
	srvCfg.Port = port
	srvCfg.ShutdownTimeout = 30 * time.Second
	if origins := viper.GetStringSlice("server.cors_origins"); len(origins) > 0 && !dev {
		srvCfg.CORSOrigins = origins
	}

	srv := server.New(srvCfg, st, eng, signer, authSvc, logger)

	fmt.Printf("→ Keymint %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Activate:   POST http://%s:%d/api/v1/client/activate\n", host, port)
	fmt.Printf("→ Verify:     POST http://%s:%d/api/v1/client/verify\n", host, port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}
