package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/blingmoon/case-workflow/caseapi"
	"github.com/blingmoon/case-workflow/internal/config"
	"github.com/blingmoon/case-workflow/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "casestore-server",
		Short:         "案件仓库服务, 通过REST提供案件查询和条件写转换",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "yaml配置文件路径")
	cmd.AddCommand(newMigrateCmd(&configPath))
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "创建或更新数据表",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if _, err := openRepo(cfg, logger); err != nil {
				return err
			}
			logger.Info("migrate finished", zap.String("database", cfg.Database.Path))
			return nil
		},
	}
}

func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openRepo(cfg *config.Config, logger *zap.Logger) (*workflow.CaseRepo, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{})
	if err != nil {
		return nil, errors.WithMessagef(err, "open database %s failed", cfg.Database.Path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WithMessage(err, "get sql db failed")
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	repo := workflow.NewCaseRepo(db, nil, logger)
	if err := repo.AutoMigrate(); err != nil {
		return nil, err
	}
	return repo, nil
}

func runServer(ctx context.Context, configPath string) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	repo, err := openRepo(cfg, logger)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server := caseapi.NewServer(cfg.Server, repo, reg, logger)
	if err := server.Start(ctx); err != nil {
		logger.Error("casestore-server stopped with error", zap.Error(err))
		return err
	}
	return nil
}
