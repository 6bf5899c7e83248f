package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blingmoon/case-workflow/caseapi"
	"github.com/blingmoon/case-workflow/internal/config"
	"github.com/blingmoon/case-workflow/workflow"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run 命令失败时 cobra 不执行 PersistentPostRunE, 清理放在这里
func run(args []string, out io.Writer) (err error) {
	a := &app{}
	defer func() {
		if closeErr := a.close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	return cmd.Execute()
}

type app struct {
	configPath string
	engine     *workflow.ReconciliationEngine
	cfg        *config.Config
	logger     *zap.Logger
	closers    []func() error
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "caseflow",
		Short:         "案件流程命令行, 通过远端仓库推进案件状态",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "yaml配置文件路径")
	cmd.AddCommand(
		newTransitionCmd(a),
		newGetCmd(a),
		newTimelineCmd(a),
		newSearchCmd(a),
		newBucketCmd(a),
		newStatsCmd(a),
	)
	return cmd
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger

	var lock workflow.WorkflowLock
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		lock = workflow.NewRedisWorkflowLock(rdb, logger)
	}
	client := caseapi.NewClient(cfg.Remote.BaseURL, cfg.Remote.AuthToken, caseapi.WithClientLogger(logger))
	a.engine = workflow.NewReconciliationEngine(client, lock,
		workflow.WithEngineConfig(cfg.Engine),
		workflow.WithLogger(logger))
	return nil
}

func (a *app) close() error {
	if a.engine != nil {
		a.engine.Wait()
	}
	var ret error
	for _, closer := range a.closers {
		if err := closer(); err != nil && ret == nil {
			ret = err
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return ret
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func newTransitionCmd(a *app) *cobra.Command {
	var toState, notes, actor string
	cmd := &cobra.Command{
		Use:   "transition CASE_NUMBER",
		Short: "把案件推进到下一个状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = a.cfg.Remote.Actor
			}
			committed, err := a.engine.RequestTransition(cmd.Context(), &workflow.TransitionRequest{
				CaseNumber: args[0],
				ToState:    toState,
				Notes:      notes,
				Actor:      actor,
			})
			if err != nil {
				if errors.Is(err, workflow.ErrConcurrentModification) {
					return errors.WithMessage(err, "case changed by another actor, refresh and retry")
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), committed)
		},
	}
	cmd.Flags().StringVar(&toState, "to", "", "目标状态")
	cmd.Flags().StringVar(&notes, "notes", "", "备注")
	cmd.Flags().StringVar(&actor, "actor", "", "操作人, 默认使用remote.actor")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get CASE_NUMBER",
		Short: "查询案件",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := a.engine.GetCase(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), record)
		},
	}
}

func newTimelineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline CASE_NUMBER",
		Short: "查询案件时间线",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := a.engine.GetTimeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search QUERY",
		Short: "搜索案件",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cases, err := a.engine.Search(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cases)
		},
	}
}

func newBucketCmd(a *app) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "bucket STATE",
		Short: "列出一个状态下的案件",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := a.engine.LoadBucket(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), bucket)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "分页大小, 0使用engine.default_page_limit")
	cmd.Flags().IntVar(&offset, "offset", 0, "分页偏移")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var includeClosed bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "各状态案件数量",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.engine.LoadStatistics(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a.engine.Statistics(includeClosed))
		},
	}
	cmd.Flags().BoolVar(&includeClosed, "closed", false, "包含已关闭的案件")
	return cmd
}
