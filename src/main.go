package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"xray-insight/src/api"
	"xray-insight/src/configs"
	"xray-insight/src/configs/database"
	"xray-insight/src/configs/server"
	"xray-insight/src/core/auth"
	"xray-insight/src/core/detector"
	ximage "xray-insight/src/core/image"
	"xray-insight/src/core/providers"
	"xray-insight/src/core/providers/narrative"
	"xray-insight/src/core/report"
	"xray-insight/src/core/saliency"
	"xray-insight/src/core/utils"
	"xray-insight/src/models"

	// 导入所有providers以确保init函数被调用
	_ "xray-insight/src/core/providers/narrative/ollama"
	_ "xray-insight/src/core/providers/narrative/openai"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// chestClasses 胸片检测模型的类别
var chestClasses = []string{
	"Aortic enlargement", "Atelectasis", "Calcification", "Cardiomegaly",
	"Consolidation", "ILD", "Infiltration", "Lung Opacity", "Nodule/Mass",
	"Other lesion", "Pleural effusion", "Pleural thickening", "Pneumothorax",
	"Pulmonary fibrosis",
}

func LoadConfigAndLogger() (*configs.Config, *utils.Logger, error) {
	// 先加载 .env，配置文件中的密钥可以被环境变量覆盖
	envErr := godotenv.Load()

	// 加载配置,默认使用.config.yaml
	config, configPath, err := configs.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	// 初始化日志系统
	logger, err := utils.NewLogger(config)
	if err != nil {
		return nil, nil, err
	}
	if configPath == "" {
		configPath = "内置默认配置"
	}
	logger.Info(fmt.Sprintf("日志系统初始化成功, 配置文件路径: %s", configPath))
	if envErr != nil {
		logger.Debug("未找到 .env 文件，使用系统环境变量")
	}

	return config, logger, nil
}

// newNarrator 创建报告撰写模型，失败时返回nil，报告中会写入错误说明
func newNarrator(config *configs.Config, logger *utils.Logger) providers.NarrativeProvider {
	name, nc, ok := config.SelectedNarrative()
	if !ok {
		logger.Warn("未选择报告撰写模型")
		return nil
	}
	provider, err := narrative.Create(nc.Type, nc, logger)
	if err != nil {
		logger.Warn(fmt.Sprintf("报告撰写模型 %s 初始化失败", name), err)
		return nil
	}
	return provider
}

// newSaliency 创建热力图生成器，失败时流水线跳过热力图
func newSaliency(weights string, config *configs.Config, logger *utils.Logger) (report.Saliency, func()) {
	heatmap, err := saliency.NewHeatmap(weights, config.Detector.Device, config.Saliency, logger)
	if err != nil {
		logger.Warn("热力图生成器初始化失败，跳过热力图", err)
		return nil, func() {}
	}
	return heatmap, heatmap.Close
}

// newStore 配置了数据库时打开历史记录存储
func newStore(config *configs.Config, logger *utils.Logger) *database.Store {
	if config.Database.URL == "" {
		return nil
	}
	store, err := database.NewStore(config.Database.URL)
	if err != nil {
		logger.Warn("历史记录存储不可用", err)
		return nil
	}
	logger.Info("历史记录存储已连接", map[string]interface{}{"type": store.Type()})
	return store
}

// buildPipeline 组装报告流水线，返回清理函数
func buildPipeline(weights string, config *configs.Config, logger *utils.Logger) (*report.Pipeline, func(), error) {
	model, err := detector.Load(weights)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", report.ErrDetectionFailed, err)
	}
	sal, closeSaliency := newSaliency(weights, config, logger)
	narrator := newNarrator(config, logger)

	pipeline := report.New(model, sal, narrator, report.Options{
		FrameSize:   config.Detector.FrameSize,
		Conf:        config.Detector.ConfThreshold,
		IoU:         config.Detector.IoUThreshold,
		CropPadding: config.Report.CropPadding,
	}, logger).WithValidator(ximage.NewImageSecurityValidator(&config.Security, logger))

	cleanup := func() {
		closeSaliency()
		if narrator != nil {
			narrator.Cleanup()
		}
	}
	return pipeline, cleanup, nil
}

func newAnalyzeCommand() *cobra.Command {
	var paths report.Paths
	var weights, outputJSON string

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "分析一张胸部X光片并输出JSON报告",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := LoadConfigAndLogger()
			if err != nil {
				return err
			}
			defer logger.Close()
			if weights == "" {
				weights = config.Detector.Weights
			}

			if _, err := os.Stat(paths.Input); err != nil {
				return fmt.Errorf("%w: %s", report.ErrInputMissing, paths.Input)
			}
			pipeline, cleanup, err := buildPipeline(weights, config, logger)
			if err != nil {
				logger.Error("检测模型加载失败", err)
				return err
			}
			defer cleanup()

			outcome, err := pipeline.Run(cmd.Context(), paths)
			if err != nil {
				logger.Error("分析失败", err)
				return err
			}

			if store := newStore(config, logger); store != nil {
				defer store.Close()
				saveRecord(cmd.Context(), store, paths, outcome, logger)
			}
			return writeResult(cmd, outcome.Result, outputJSON)
		},
	}

	cmd.Flags().StringVar(&paths.Input, "input", "", "输入X光片路径")
	cmd.Flags().StringVar(&paths.DetectionOutput, "yolo-output", "", "检测结果图保存路径")
	cmd.Flags().StringVar(&paths.HeatmapOutput, "heatmap-output", "", "热力图保存路径")
	cmd.Flags().StringVar(&weights, "model", "", "检测模型权重路径，默认使用配置文件")
	cmd.Flags().StringVar(&outputJSON, "output-json", "", "额外保存JSON结果的路径")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("yolo-output")
	cmd.MarkFlagRequired("heatmap-output")
	return cmd
}

// writeResult 结果总是写到标准输出，指定文件时另存一份
func writeResult(cmd *cobra.Command, result report.Result, outputJSON string) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	if outputJSON != "" {
		pretty, _ := json.MarshalIndent(result, "", "  ")
		if err := os.WriteFile(outputJSON, pretty, 0644); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "保存JSON结果失败: %v\n", err)
		}
	}
	return nil
}

func saveRecord(ctx context.Context, store *database.Store, paths report.Paths, outcome *report.Outcome, logger *utils.Logger) {
	rec := &models.ReportRecord{
		RunID:         uuid.New().String(),
		UserID:        "cli",
		InputPath:     paths.Input,
		DetectionPath: paths.DetectionOutput,
		Disease:       outcome.Result.Disease,
		DiseaseNames:  database.NamesJSON(outcome.Result.DiseaseNames),
		Description:   outcome.Result.Description,
		CreatedAt:     time.Now(),
	}
	if outcome.Saliency.Saved {
		rec.HeatmapPath = paths.HeatmapOutput
	}
	if err := store.Save(ctx, rec); err != nil {
		logger.Warn("保存分析记录失败", err)
	}
}

func StartHttpServer(config *configs.Config, logger *utils.Logger, pipeline *report.Pipeline, store *database.Store, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	// 初始化Gin引擎
	if config.Log.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.SetTrustedProxies([]string{"0.0.0.0"})

	// API路由全部挂载到/api前缀下
	apiGroup := router.Group("/api")
	var cfgService server.CfgService = server.NewDefaultCfgService(config, logger)
	if err := cfgService.Start(groupCtx, router, apiGroup); err != nil {
		return nil, err
	}

	var recordStore api.RecordStore
	if store != nil {
		recordStore = store
	}
	xrayService, err := api.NewDefaultXrayService(config, pipeline, recordStore, logger)
	if err != nil {
		logger.Error("X光分析服务初始化失败", err)
		return nil, err
	}
	if err := xrayService.Start(groupCtx, router, apiGroup); err != nil {
		logger.Error("X光分析服务启动失败", err)
		return nil, err
	}

	// HTTP Server（支持优雅关机）
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(config.Web.Port),
		Handler: router,
	}

	g.Go(func() error {
		logger.Info(fmt.Sprintf("Gin 服务已启动，访问地址: http://0.0.0.0:%d", config.Web.Port))

		// 在单独的 goroutine 中监听关闭信号
		go func() {
			<-groupCtx.Done()
			logger.Info("收到关闭信号，开始关闭HTTP服务...")

			// 创建关闭超时上下文
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP服务关闭失败", err)
			} else {
				logger.Info("HTTP服务已优雅关闭")
			}
		}()

		// ListenAndServe 返回 ErrServerClosed 时表示正常关闭
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP 服务启动失败", err)
			return err
		}
		return nil
	})

	return httpServer, nil
}

func GracefulShutdown(cancel context.CancelFunc, logger *utils.Logger, g *errgroup.Group) error {
	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// 等待信号或服务异常退出
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	select {
	case sig := <-sigChan:
		logger.Info(fmt.Sprintf("接收到系统信号: %v，开始优雅关闭服务", sig))
	case err := <-done:
		cancel()
		return err
	}

	// 取消上下文，通知所有服务开始关闭
	cancel()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("服务关闭过程中出现错误", err)
			return err
		}
		logger.Info("所有服务已优雅关闭")
		return nil
	case <-time.After(15 * time.Second):
		logger.Error("服务关闭超时，强制退出")
		return errors.New("shutdown timeout")
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动X光分析HTTP服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := LoadConfigAndLogger()
			if err != nil {
				return err
			}
			defer logger.Close()

			pipeline, cleanup, err := buildPipeline(config.Detector.Weights, config, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			store := newStore(config, logger)
			if store != nil {
				defer store.Close()
			}

			// 创建可取消的上下文
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			g, groupCtx := errgroup.WithContext(ctx)
			if _, err := StartHttpServer(config, logger, pipeline, store, g, groupCtx); err != nil {
				return fmt.Errorf("启动 Http 服务失败: %w", err)
			}
			if err := GracefulShutdown(cancel, logger, g); err != nil {
				return err
			}
			logger.Info("程序已成功退出")
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "为HTTP服务签发访问令牌",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, _, err := configs.LoadConfig()
			if err != nil {
				return err
			}
			at, err := auth.NewAuthToken(config.Auth.Secret, ttl)
			if err != nil {
				return fmt.Errorf("请先设置 auth.secret 或 JWT_SECRET: %w", err)
			}
			token, err := at.GenerateToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "用户ID")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "令牌有效期")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newInitWeightsCommand() *cobra.Command {
	var output string
	var inputSize int
	var seed int64
	cmd := &cobra.Command{
		Use:   "init-weights",
		Short: "生成随机初始化的检测模型权重清单，用于联调",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest := detector.SyntheticManifest(chestClasses, inputSize, seed)
			if err := detector.WriteManifest(output, manifest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已生成 %d 层的权重清单: %s\n", len(manifest.Layers), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "best.json", "输出路径")
	cmd.Flags().IntVar(&inputSize, "input-size", 640, "模型输入边长")
	cmd.Flags().Int64Var(&seed, "seed", 0, "随机种子")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:           "xray-insight",
		Short:         "可解释的胸部X光片分析",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newAnalyzeCommand(), newServeCommand(), newTokenCommand(), newInitWeightsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
