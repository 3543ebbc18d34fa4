package models

import (
	"time"

	"gorm.io/datatypes"
)

// ReportRecord 一次X光分析的历史记录
type ReportRecord struct {
	ID            uint   `gorm:"primaryKey"`
	RunID         string `gorm:"uniqueIndex;size:36;not null"`
	UserID        string `gorm:"index;size:64"`
	PatientID     string `gorm:"index;size:64"`
	InputPath     string
	DetectionPath string
	HeatmapPath   string // 热力图不可用时为空
	Disease       string
	DiseaseNames  datatypes.JSON // 存储为 JSON 数组
	Description   string         `gorm:"type:text"`
	CreatedAt     time.Time      `gorm:"index"`
}
