package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Yikai-Liao/EatBot/internal/auth"
	"github.com/Yikai-Liao/EatBot/internal/booking"
	"github.com/Yikai-Liao/EatBot/internal/config"
	"github.com/Yikai-Liao/EatBot/internal/cron"
	"github.com/Yikai-Liao/EatBot/internal/domain"
	"github.com/Yikai-Liao/EatBot/internal/feishu"
	"github.com/Yikai-Liao/EatBot/internal/logging"
	"github.com/Yikai-Liao/EatBot/internal/recordstore"
	"github.com/Yikai-Liao/EatBot/internal/repository"
	"github.com/Yikai-Liao/EatBot/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eatbot",
		Short: "Meal reservation chat bot",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newCheckCommand(), newSendCommand(), newDevCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Record store backend (feishu, sqlite)")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("store.sqlite_path"), "SQLite store path")
	cmd.PersistentFlags().String("transport-mode", defaults.GetString("transport.mode"), "Event transport (websocket, webhook)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "store.sqlite_path", "sqlite-path")
	bindFlag(cmd, "transport.mode", "transport-mode")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// app holds the wired runtime components shared by the service and the
// operational subcommands.
type app struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	client   *feishu.Client
	service  *booking.Service
	repo     *repository.Repository
	closeFns []func() error
}

func buildApp() (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "")
	if err != nil {
		return nil, err
	}

	location, err := appConfig.Schedule.Location()
	if err != nil {
		return nil, err
	}

	client := feishu.NewClient(feishu.ClientConfig{
		BaseURL:   appConfig.FeishuBaseURL,
		AppID:     appConfig.AppID,
		AppSecret: appConfig.AppSecret,
		Logger:    logger,
	})

	application := &app{cfg: appConfig, logger: logger, client: client}

	var store recordstore.Store
	switch appConfig.StoreBackend {
	case "sqlite":
		sqliteStore, err := recordstore.OpenSQLite(appConfig.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		application.closeFns = append(application.closeFns, sqliteStore.Close)
		store = sqliteStore
	default:
		store = feishu.NewBitableClient(client, appConfig.AppToken)
	}

	repo, err := repository.New(repository.Config{
		Store:      store,
		Tables:     appConfig.Tables,
		FieldNames: appConfig.FieldNames,
		Location:   location,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	application.repo = repo

	service, err := booking.NewService(booking.Config{
		Repository: repo,
		Messenger:  feishu.NewIMClient(client, logger),
		Schedule:   appConfig.Schedule,
		Location:   location,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	application.service = service

	return application, nil
}

func (a *app) close() {
	for _, closeFn := range a.closeFns {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.logger.Sync() //nolint:errcheck
}

func runService(ctx context.Context) error {
	application, err := buildApp()
	if err != nil {
		return err
	}
	defer application.close()
	logger := application.logger

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if application.cfg.StoreBackend == "feishu" {
		if err := application.repo.VerifySchema(signalCtx); err != nil {
			return fmt.Errorf("schema verification failed: %w", err)
		}
		logger.Info("table schemas verified")
	} else {
		// The local backend synthesizes its schema from stored rows, so
		// there is nothing to verify on an empty database.
		logger.Info("skipping schema verification", zap.String("backend", application.cfg.StoreBackend))
	}

	scheduler := cron.NewScheduler(
		cron.BuildJobSpecs(application.cfg.Schedule),
		application.service.ExecuteCronAction,
		time.Now,
		logger,
	)
	go scheduler.Run(signalCtx)

	if application.cfg.TransportMode == "websocket" {
		wsClient := feishu.NewWSClient(application.cfg.FeishuWSEndpoint, application.service, logger)
		go wsClient.Run(signalCtx)
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(application.cfg.AdminSigningSecret),
	})
	handler, err := server.NewHTTPHandler(server.Dependencies{
		BookingService: application.service,
		TokenManager:   tokenManager,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    application.cfg.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", application.cfg.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and table schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp()
			if err != nil {
				return err
			}
			defer application.close()

			if err := application.repo.VerifySchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration and table schemas look good")
			return nil
		},
	}
}

func newSendCommand() *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Run a send job once",
	}

	var cardsDate string
	cardsCmd := &cobra.Command{
		Use:   "cards",
		Short: "Send reservation cards for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp()
			if err != nil {
				return err
			}
			defer application.close()

			date, err := resolveDate(application, cardsDate)
			if err != nil {
				return err
			}
			return application.service.SendDailyCards(cmd.Context(), date)
		},
	}
	cardsCmd.Flags().StringVar(&cardsDate, "date", "", "Target date (YYYY-MM-DD, default today)")

	var statsDate string
	var statsMeal string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Send a reservation count to the stats receivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp()
			if err != nil {
				return err
			}
			defer application.close()

			meal, ok := domain.ParseMeal(statsMeal)
			if !ok {
				return fmt.Errorf("invalid meal %q, expected lunch or dinner", statsMeal)
			}
			date, err := resolveDate(application, statsDate)
			if err != nil {
				return err
			}
			return application.service.SendStats(cmd.Context(), meal, date)
		},
	}
	statsCmd.Flags().StringVar(&statsMeal, "meal", "lunch", "Meal to count (lunch, dinner)")
	statsCmd.Flags().StringVar(&statsDate, "date", "", "Target date (YYYY-MM-DD, default today)")

	sendCmd.AddCommand(cardsCmd, statsCmd)
	return sendCmd
}

func newDevCommand() *cobra.Command {
	devCmd := &cobra.Command{
		Use:   "dev",
		Short: "Development and inspection helpers",
	}

	var fromValue, toValue string
	cronCmd := &cobra.Command{
		Use:   "cron",
		Short: "Preview scheduled triggers and what each job would see",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp()
			if err != nil {
				return err
			}
			defer application.close()

			from, err := resolveDate(application, fromValue)
			if err != nil {
				return err
			}
			to, err := resolveDate(application, toValue)
			if err != nil {
				return err
			}
			if to.Before(from) {
				return fmt.Errorf("--to must not be before --from")
			}

			snapshot, err := application.service.BuildCronPreviewSnapshot(cmd.Context(), from, to)
			if err != nil {
				return err
			}

			specs := cron.BuildJobSpecs(application.cfg.Schedule)
			endOfWindow := to.AddDate(0, 0, 1).Add(-time.Second)
			out := cmd.OutOrStdout()
			for _, event := range cron.TriggerEvents(specs, from, endOfWindow) {
				preview := application.service.PreviewCronAction(event.Spec.Action, event.At, snapshot)
				fmt.Fprintf(out, "%s  %s (%s): %s\n",
					event.At.Format("2006-01-02 15:04:05"), event.Spec.JobID, event.Spec.Action, preview.Reason)
			}

			fmt.Fprintf(out, "\nrules=%d enabled_users=%d stats_receivers=%d\n",
				snapshot.ScheduleRuleCount, snapshot.EnabledUserCount, snapshot.StatsReceiverCount)
			for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
				key := domain.DateKey(day)
				fmt.Fprintf(out, "%s  meals=%s matched_rules=%d\n",
					key, domain.FormatMeals(snapshot.MealsByDate[key]), snapshot.MatchedRuleCountByDay[key])
			}
			return nil
		},
	}
	cronCmd.Flags().StringVar(&fromValue, "from", "", "Window start (YYYY-MM-DD, default today)")
	cronCmd.Flags().StringVar(&toValue, "to", "", "Window end (YYYY-MM-DD, default today)")

	devCmd.AddCommand(cronCmd)
	return devCmd
}

func newTokenCommand() *cobra.Command {
	var subject string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AdminSigningSecret),
			})
			token, expiresIn, err := issuer.IssueAdminToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires in %ds\n", token, expiresIn)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "admin", "Token subject")
	return tokenCmd
}

func resolveDate(application *app, value string) (time.Time, error) {
	location, err := application.cfg.Schedule.Location()
	if err != nil {
		return time.Time{}, err
	}
	if value == "" {
		return domain.DateOnly(time.Now().In(location)), nil
	}
	parsed, err := time.ParseInLocation("2006-01-02", value, location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", value)
	}
	return parsed, nil
}
