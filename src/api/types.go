package api

// AnalyzeResult 单次分析结果，图片字段为 /uploads 下的访问路径
type AnalyzeResult struct {
	RunID         string   `json:"run_id"`
	PatientID     string   `json:"patient_id,omitempty"`
	ImageURL      string   `json:"image_url"`
	DetectionURL  string   `json:"detection_url"`
	HeatmapURL    string   `json:"heatmap_url,omitempty"` // 热力图不可用时为空
	Disease       string   `json:"disease"`
	DiseaseNames  []string `json:"disease_names"`
	Description   string   `json:"description"`
	CreatedAtUnix int64    `json:"created_at"`
}

// AnalyzeResponse 分析接口响应
type AnalyzeResponse struct {
	Success bool           `json:"success"`
	Result  *AnalyzeResult `json:"result,omitempty"`
	Message string         `json:"message,omitempty"`
}

// HistoryResponse 历史记录接口响应
type HistoryResponse struct {
	Success bool            `json:"success"`
	Records []AnalyzeResult `json:"records"`
	Message string          `json:"message,omitempty"`
}
