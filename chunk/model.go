package chunk

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Type 切片类型（检索时可按类型过滤）
type Type string

const (
	TypeText         Type = "TEXT"
	TypeTable        Type = "TABLE"
	TypeImageCaption Type = "IMAGE_CAPTION"
	TypeCode         Type = "CODE"
)

// PageNumbers 以 JSON 数组落库的页码列表
type PageNumbers []int

func (p PageNumbers) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *PageNumbers) Scan(value any) error {
	if value == nil {
		*p = PageNumbers{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported type for PageNumbers: %T", value)
	}
	if len(b) == 0 {
		*p = PageNumbers{}
		return nil
	}
	return json.Unmarshal(b, p)
}

// Chunk 持久化的检索单元
//
// Parent/Child 两级结构：Child 是被向量化的原子检索单元，
// Parent 仅提供命中后的上下文扩展，自身不入向量库。
// 重新解析时旧切片置 is_active=false 而非物理删除。
type Chunk struct {
	ID            string      `gorm:"primaryKey;size:36" json:"id"`
	DocumentID    string      `gorm:"size:36;not null;index:idx_doc_active;index:idx_doc_index" json:"document_id"`
	NotebookID    string      `gorm:"size:36;not null;index" json:"notebook_id"`
	ParentChunkID *string     `gorm:"size:36;index" json:"parent_chunk_id,omitempty"`
	ChunkIndex    int         `gorm:"not null;index:idx_doc_index" json:"chunk_index"`
	PageNumbers   PageNumbers `gorm:"type:text" json:"page_numbers"`
	ChunkType     Type        `gorm:"size:16;not null;default:TEXT" json:"chunk_type"`
	Content       string      `gorm:"type:text;not null" json:"content"`
	TokenCount    int         `gorm:"not null;default:0" json:"token_count"`
	// 不能带 default 标签：gorm 会在插入时吞掉零值 false，软删除状态写不进去
	IsActive      bool        `gorm:"not null;index:idx_doc_active" json:"is_active"`
	CreatedAt     time.Time   `json:"created_at"`
}

// TableName 指定表名
func (Chunk) TableName() string { return "document_chunks" }

// IsParent 判断是否为父块（无上级引用）。
// 注意独立块（standalone）同样满足此条件，是否真正有子块需看引用关系。
func (c *Chunk) IsParent() bool { return c.ParentChunkID == nil }

// FTSMatch 精确匹配召回结果（内容命中 + 词法评分）
type FTSMatch struct {
	ChunkID string  `json:"chunk_id"`
	Rank    float64 `json:"rank"`
}
