package document

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status 文档解析流水线状态
type Status string

const (
	StatusUploaded  Status = "UPLOADED"
	StatusParsing   Status = "PARSING"
	StatusParsed    Status = "PARSED"
	StatusEmbedding Status = "EMBEDDING"
	StatusReady     Status = "READY"
	StatusFailed    Status = "FAILED"
)

// transitions 状态转换表。FAILED 可从任意状态进入，不在表内单列。
var transitions = map[Status][]Status{
	StatusParsing:   {StatusUploaded},
	StatusParsed:    {StatusParsing},
	StatusEmbedding: {StatusParsed},
	StatusReady:     {StatusEmbedding},
	// 重新解析：任何状态都可以重置回 UPLOADED
	StatusUploaded: {StatusUploaded, StatusParsing, StatusParsed, StatusEmbedding, StatusReady, StatusFailed},
}

// AllowedFrom 返回进入 target 状态所允许的前置状态集合。
func AllowedFrom(target Status) []Status {
	if target == StatusFailed {
		return []Status{StatusUploaded, StatusParsing, StatusParsed, StatusEmbedding, StatusReady, StatusFailed}
	}
	return transitions[target]
}

// CanTransition 判断 from → to 是否是合法转换。
func CanTransition(from, to Status) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

// JSONMap 以 JSON 文本落库的自由元数据。
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// Document 知识库文档记录
//
// 同一笔记本内以 (notebook_id, file_hash) 去重，字节级相同的文件不会重复解析。
type Document struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	NotebookID       string    `gorm:"size:36;not null;index;uniqueIndex:idx_notebook_hash" json:"notebook_id"`
	UserID           int64     `gorm:"not null" json:"user_id"`
	Filename         string    `gorm:"size:512;not null" json:"filename"`
	FileHash         string    `gorm:"size:64;not null;index;uniqueIndex:idx_notebook_hash" json:"file_hash"`
	ByteSize         int64     `gorm:"not null" json:"byte_size"`
	StoragePath      string    `gorm:"size:1024;not null" json:"storage_path"`
	ParserEngine     string    `gorm:"size:64;default:MinerU" json:"parser_engine"`
	ParserVersion    string    `gorm:"size:32;default:v1.0.0" json:"parser_version"`
	ChunkingStrategy string    `gorm:"size:64;default:semantic_recursive" json:"chunking_strategy"`
	Status           Status    `gorm:"size:16;not null;default:UPLOADED;index" json:"status"`
	ErrorLog         string    `gorm:"type:text" json:"error_log,omitempty"`
	Metadata         JSONMap   `gorm:"type:text" json:"metadata"`
	Summary          string    `gorm:"type:text" json:"summary,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Document) TableName() string { return "documents" }

// Notebook 知识库笔记本（租户单位）
type Notebook struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Title     string    `gorm:"size:256;not null" json:"title"`
	UserID    int64     `gorm:"not null;index" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Notebook) TableName() string { return "notebooks" }

// NotebookStats 带文档统计的笔记本视图
type NotebookStats struct {
	Notebook
	SourceCount int64      `json:"source_count"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// Brief 文档列表项（省略大字段）
type Brief struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	ByteSize  int64     `json:"byte_size"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
