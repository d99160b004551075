package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// decodeText 文本解码：UTF-8 → GBK → 替换非法字节
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	if out, err := simplifiedchinese.GBK.NewDecoder().Bytes(data); err == nil && utf8.Valid(out) {
		return string(out)
	}
	return strings.ToValidUTF8(string(data), "�")
}

// splitParagraphs 按空行切段，返回非空段落
func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PlainText 纯文本提取器
type PlainText struct{}

// NewPlainText 创建纯文本提取器
func NewPlainText() *PlainText { return &PlainText{} }

func (*PlainText) Name() string { return "txt" }

func (*PlainText) TryParse(_ context.Context, req Request) (*Result, error) {
	text := decodeText(req.Data)
	var blocks []Block
	for _, p := range splitParagraphs(text) {
		blocks = append(blocks, Block{Type: BlockText, Text: p, PageNumbers: []int{0}})
	}
	return &Result{Blocks: blocks}, nil
}

// Markdown 提取器：保留原文交给 Markdown 分块兜底
type Markdown struct{}

// NewMarkdown 创建 Markdown 提取器
func NewMarkdown() *Markdown { return &Markdown{} }

func (*Markdown) Name() string { return "markdown" }

func (*Markdown) TryParse(_ context.Context, req Request) (*Result, error) {
	return &Result{Markdown: decodeText(req.Data)}, nil
}

// PDFFallback 本地 PDF 文本提取（MinerU 均不可用时的兜底，无版面分析）
type PDFFallback struct {
	logger *zap.Logger
}

// NewPDFFallback 创建本地 PDF 提取器
func NewPDFFallback(logger *zap.Logger) *PDFFallback {
	return &PDFFallback{logger: logger.With(zap.String("component", "pdf_fallback"))}
}

func (*PDFFallback) Name() string { return "pdf_fallback" }

func (p *PDFFallback) TryParse(_ context.Context, req Request) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(req.Data), int64(len(req.Data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	var blocks []Block
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			p.logger.Warn("pdf page text extraction failed",
				zap.Int("page", i), zap.Error(err))
			continue
		}
		for _, para := range splitParagraphs(text) {
			blocks = append(blocks, Block{Type: BlockText, Text: para, PageNumbers: []int{i - 1}})
		}
	}
	return &Result{Blocks: blocks}, nil
}

// ============ 📄 DOCX ============

// Docx Word 文档提取器（解包 OOXML，按段落与表格出现顺序提取）
type Docx struct{}

// NewDocx 创建 Word 提取器
func NewDocx() *Docx { return &Docx{} }

func (*Docx) Name() string { return "docx" }

type docxParagraph struct {
	Props struct {
		Style struct {
			Val string `xml:"val,attr"`
		} `xml:"pStyle"`
	} `xml:"pPr"`
	Runs []struct {
		Texts []string `xml:"t"`
	} `xml:"r"`
}

func (p *docxParagraph) text() string {
	var sb strings.Builder
	for _, r := range p.Runs {
		for _, t := range r.Texts {
			sb.WriteString(t)
		}
	}
	return strings.TrimSpace(sb.String())
}

func (p *docxParagraph) isHeading() bool {
	style := strings.ToLower(p.Props.Style.Val)
	return strings.HasPrefix(style, "heading") || style == "title" || strings.HasPrefix(style, "标题")
}

type docxTable struct {
	Rows []struct {
		Cells []struct {
			Paragraphs []docxParagraph `xml:"p"`
		} `xml:"tc"`
	} `xml:"tr"`
}

func (t *docxTable) markdown() string {
	var rows []string
	for i, row := range t.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			var parts []string
			for _, para := range cell.Paragraphs {
				if txt := para.text(); txt != "" {
					parts = append(parts, txt)
				}
			}
			cells = append(cells, strings.Join(parts, " "))
		}
		rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
		if i == 0 {
			sep := make([]string, len(cells))
			for j := range sep {
				sep[j] = "---"
			}
			rows = append(rows, "| "+strings.Join(sep, " | ")+" |")
		}
	}
	return strings.Join(rows, "\n")
}

func (*Docx) TryParse(_ context.Context, req Request) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(req.Data), int64(len(req.Data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}

	var docXML []byte
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("open document.xml: %w", err)
			}
			docXML, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("read document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return nil, fmt.Errorf("word/document.xml not found in archive")
	}

	var blocks []Block
	dec := xml.NewDecoder(bytes.NewReader(docXML))
	inBody := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode document.xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case start.Name.Local == "body":
			inBody = true
		case inBody && start.Name.Local == "p":
			var para docxParagraph
			if err := dec.DecodeElement(&para, &start); err != nil {
				return nil, fmt.Errorf("decode paragraph: %w", err)
			}
			text := para.text()
			if text == "" {
				continue
			}
			blockType := BlockText
			if para.isHeading() {
				blockType = BlockTitle
			}
			blocks = append(blocks, Block{Type: blockType, Text: text, PageNumbers: []int{0}})
		case inBody && start.Name.Local == "tbl":
			var tbl docxTable
			if err := dec.DecodeElement(&tbl, &start); err != nil {
				return nil, fmt.Errorf("decode table: %w", err)
			}
			if md := tbl.markdown(); md != "" {
				blocks = append(blocks, Block{Type: BlockTable, TableBody: md, PageNumbers: []int{0}})
			}
		case inBody:
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("skip element %s: %w", start.Name.Local, err)
			}
		}
	}
	return &Result{Blocks: blocks}, nil
}

// ============ 📊 Excel ============

// Excel 表格提取器（逐 sheet 转为标题块 + 表格块）
type Excel struct{}

// NewExcel 创建表格提取器
func NewExcel() *Excel { return &Excel{} }

func (*Excel) Name() string { return "excel" }

func (*Excel) TryParse(_ context.Context, req Request) (*Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(req.Data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var blocks []Block
	for sheetIdx, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		md := rowsToMarkdown(rows)
		if md == "" {
			continue
		}
		blocks = append(blocks,
			Block{Type: BlockTitle, Text: "表: " + sheet, PageNumbers: []int{sheetIdx}},
			Block{Type: BlockTable, TableBody: md, PageNumbers: []int{sheetIdx}})
	}
	return &Result{Blocks: blocks}, nil
}

func rowsToMarkdown(rows [][]string) string {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return ""
	}

	var out []string
	for i, row := range rows {
		cells := make([]string, width)
		for j := range cells {
			if j < len(row) {
				cells[j] = strings.TrimSpace(row[j])
			}
		}
		out = append(out, "| "+strings.Join(cells, " | ")+" |")
		if i == 0 {
			sep := make([]string, width)
			for j := range sep {
				sep[j] = "---"
			}
			out = append(out, "| "+strings.Join(sep, " | ")+" |")
		}
	}
	return strings.Join(out, "\n")
}
