package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"xray-insight/src/configs"
	"xray-insight/src/configs/database"
	"xray-insight/src/core/auth"
	ximage "xray-insight/src/core/image"
	"xray-insight/src/core/report"
	"xray-insight/src/core/utils"
	"xray-insight/src/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// 未启用认证时记录使用的用户ID
	anonymousUser = "anonymous"
	// 历史记录默认返回条数
	defaultHistoryLimit = 50
)

type DefaultXrayService struct {
	logger     *utils.Logger
	config     *configs.Config
	analyzer   Analyzer
	store      RecordStore // 为nil时不记录历史
	authToken  *auth.AuthToken
	validator  *ximage.ImageSecurityValidator
	uploadsDir string

	// 热力图生成器不支持并发调用，同一时刻只处理一张图片
	mu sync.Mutex
}

// NewDefaultXrayService 构造函数，store可以为nil
func NewDefaultXrayService(config *configs.Config, analyzer Analyzer, store RecordStore, logger *utils.Logger) (*DefaultXrayService, error) {
	if analyzer == nil {
		return nil, errors.New("analyzer is required")
	}
	service := &DefaultXrayService{
		logger:     logger,
		config:     config,
		analyzer:   analyzer,
		store:      store,
		validator:  ximage.NewImageSecurityValidator(&config.Security, logger),
		uploadsDir: config.Web.UploadsDir,
	}
	if service.uploadsDir == "" {
		service.uploadsDir = "uploads"
	}

	if config.Auth.Enabled {
		token, err := auth.NewAuthToken(config.Auth.Secret, 0)
		if err != nil {
			return nil, fmt.Errorf("初始化认证失败: %w", err)
		}
		service.authToken = token
	}
	return service, nil
}

// Start 实现 XrayService 接口，注册所有 X光 相关路由
func (s *DefaultXrayService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	for _, dir := range []string{s.xrayDir(), s.resultDir()} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("创建上传目录失败: %w", err)
		}
	}
	engine.Static("/uploads", s.uploadsDir)

	apiGroup.GET("/xray", s.handleGet)
	apiGroup.OPTIONS("/xray", s.handleOptions)
	apiGroup.POST("/xray/analyze", s.handleAnalyze)
	apiGroup.OPTIONS("/xray/analyze", s.handleOptions)
	apiGroup.GET("/xray/history", s.handleHistory)
	apiGroup.OPTIONS("/xray/history", s.handleOptions)

	s.logger.Info("X光分析HTTP服务路由注册完成")
	return nil
}

func (s *DefaultXrayService) xrayDir() string   { return filepath.Join(s.uploadsDir, "xrays") }
func (s *DefaultXrayService) resultDir() string { return filepath.Join(s.uploadsDir, "results") }

// handleOptions 处理OPTIONS请求（CORS）
func (s *DefaultXrayService) handleOptions(c *gin.Context) {
	s.addCORSHeaders(c)
	c.Status(http.StatusOK)
}

// handleGet 处理GET请求（状态检查）
func (s *DefaultXrayService) handleGet(c *gin.Context) {
	s.addCORSHeaders(c)
	message := "X光分析接口运行正常"
	if s.store == nil {
		message += "，未配置历史记录存储"
	}
	c.String(http.StatusOK, message)
}

// handleAnalyze 上传X光片并生成报告
func (s *DefaultXrayService) handleAnalyze(c *gin.Context) {
	s.addCORSHeaders(c)

	userID, err := s.verifyAuth(c)
	if err != nil {
		s.respondError(c, http.StatusUnauthorized, err.Error())
		s.logger.Warn("X光分析认证失败", err)
		return
	}

	data, format, err := s.readUpload(c)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, err.Error())
		s.logger.Warn("X光上传解析失败", err)
		return
	}

	runID := uuid.New().String()
	paths := report.Paths{
		Input:           filepath.Join(s.xrayDir(), runID+"."+format),
		DetectionOutput: filepath.Join(s.resultDir(), runID+"_yolo.png"),
		HeatmapOutput:   filepath.Join(s.resultDir(), runID+"_heatmap.png"),
	}
	if err := os.WriteFile(paths.Input, data, 0644); err != nil {
		s.respondError(c, http.StatusInternalServerError, "保存图片文件失败")
		s.logger.Error("保存图片文件失败", err)
		return
	}

	s.logger.Info("开始分析X光片", map[string]interface{}{
		"run_id":  runID,
		"user_id": userID,
		"size":    len(data),
	})
	s.mu.Lock()
	outcome, err := s.analyzer.Run(c.Request.Context(), paths)
	s.mu.Unlock()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, report.ErrInvalidInput) || errors.Is(err, report.ErrInputMissing) {
			status = http.StatusBadRequest
		}
		s.respondError(c, status, err.Error())
		s.logger.Error("X光分析失败", err)
		return
	}

	rec := &models.ReportRecord{
		RunID:         runID,
		UserID:        userID,
		PatientID:     c.PostForm("patient_id"),
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
	if s.store != nil {
		if err := s.store.Save(c.Request.Context(), rec); err != nil {
			s.logger.Warn("保存分析记录失败", err)
		}
	}

	c.JSON(http.StatusOK, AnalyzeResponse{Success: true, Result: s.toResult(rec)})
}

// handleHistory 返回当前用户的分析记录
func (s *DefaultXrayService) handleHistory(c *gin.Context) {
	s.addCORSHeaders(c)

	userID, err := s.verifyAuth(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, HistoryResponse{Success: false, Message: err.Error()})
		return
	}

	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	resp := HistoryResponse{Success: true, Records: []AnalyzeResult{}}
	if s.store == nil {
		c.JSON(http.StatusOK, resp)
		return
	}
	records, err := s.store.List(c.Request.Context(), userID, limit)
	if err != nil {
		s.logger.Error("查询分析记录失败", err)
		c.JSON(http.StatusInternalServerError, HistoryResponse{Success: false, Message: err.Error()})
		return
	}
	for i := range records {
		resp.Records = append(resp.Records, *s.toResult(&records[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// verifyAuth 验证认证token，返回用户ID
func (s *DefaultXrayService) verifyAuth(c *gin.Context) (string, error) {
	if s.authToken == nil {
		return anonymousUser, nil
	}
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("无效的认证token或token已过期")
	}
	userID, err := s.authToken.VerifyToken(authHeader[7:])
	if err != nil {
		s.logger.Debug("认证token验证失败", err)
		return "", fmt.Errorf("无效的认证token或token已过期")
	}
	return userID, nil
}

// readUpload 读取并校验multipart表单中的xray文件
func (s *DefaultXrayService) readUpload(c *gin.Context) ([]byte, string, error) {
	maxSize := s.config.Security.MaxFileSize
	file, header, err := c.Request.FormFile("xray")
	if err != nil {
		return nil, "", fmt.Errorf("缺少X光图片文件: %v", err)
	}
	defer file.Close()

	if maxSize > 0 && header.Size > maxSize {
		return nil, "", fmt.Errorf("图片大小超过限制，最大允许%dMB", maxSize/1024/1024)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("读取图片数据失败: %v", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("图片数据为空")
	}

	format := ximage.DetectFormat(data)
	if res := s.validator.ValidateBytes(data, format); !res.IsValid {
		return nil, "", fmt.Errorf("不支持的文件格式，请上传有效的图片文件: %v", res.Error)
	}
	if format == "" {
		format = "img"
	}
	return data, format, nil
}

func (s *DefaultXrayService) toResult(rec *models.ReportRecord) *AnalyzeResult {
	return &AnalyzeResult{
		RunID:         rec.RunID,
		PatientID:     rec.PatientID,
		ImageURL:      s.publicURL(rec.InputPath),
		DetectionURL:  s.publicURL(rec.DetectionPath),
		HeatmapURL:    s.publicURL(rec.HeatmapPath),
		Disease:       rec.Disease,
		DiseaseNames:  database.DecodeNames(rec.DiseaseNames),
		Description:   rec.Description,
		CreatedAtUnix: rec.CreatedAt.Unix(),
	}
}

// publicURL 把上传目录下的文件路径转成 /uploads 访问路径
func (s *DefaultXrayService) publicURL(path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(s.uploadsDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return "/uploads/" + filepath.ToSlash(rel)
}

// addCORSHeaders 添加CORS头
func (s *DefaultXrayService) addCORSHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Headers", "content-type, authorization")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
}

// respondError 返回错误响应
func (s *DefaultXrayService) respondError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, AnalyzeResponse{Success: false, Message: message})
}
