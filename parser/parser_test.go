package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("report.PDF"))
	assert.True(t, IsSupported("notes.md"))
	assert.True(t, IsSupported("sheet.xlsx"))
	assert.True(t, IsSupported("talk.mp3"))
	assert.False(t, IsSupported("archive.rar"))
	assert.False(t, IsSupported("noextension"))
}

type stubStrategy struct {
	name   string
	result *Result
	err    error
	calls  int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) TryParse(context.Context, Request) (*Result, error) {
	s.calls++
	return s.result, s.err
}

func TestChainFallsBackOnFailure(t *testing.T) {
	broken := &stubStrategy{name: "broken", err: errors.New("boom")}
	empty := &stubStrategy{name: "empty", result: &Result{}}
	good := &stubStrategy{name: "good", result: &Result{Markdown: "# ok"}}

	chain := NewChain(zap.NewNop(), broken, empty, good)
	res, err := chain.Parse(context.Background(), Request{Filename: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "# ok", res.Markdown)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, empty.calls)
	assert.Equal(t, 1, good.calls)
}

func TestChainAllBackendsFail(t *testing.T) {
	chain := NewChain(zap.NewNop(), &stubStrategy{name: "a", err: errors.New("boom")})
	_, err := chain.Parse(context.Background(), Request{Filename: "a.pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all parser backends failed")
}

func TestPlainTextSplitsParagraphs(t *testing.T) {
	data := []byte("第一段内容\n\n第二段内容\n\n\n\n第三段")
	res, err := NewPlainText().TryParse(context.Background(), Request{Filename: "a.txt", Data: data})
	require.NoError(t, err)
	require.Len(t, res.Blocks, 3)
	assert.Equal(t, BlockText, res.Blocks[0].Type)
	assert.Equal(t, "第一段内容", res.Blocks[0].Text)
	assert.Equal(t, []int{0}, res.Blocks[0].PageNumbers)
}

func TestPlainTextDecodesGBK(t *testing.T) {
	gbk, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte("销售报告"))
	require.NoError(t, err)

	res, err := NewPlainText().TryParse(context.Background(), Request{Filename: "a.txt", Data: gbk})
	require.NoError(t, err)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, "销售报告", res.Blocks[0].Text)
}

func TestMarkdownKeepsSource(t *testing.T) {
	res, err := NewMarkdown().TryParse(context.Background(), Request{
		Filename: "a.md",
		Data:     []byte("# 标题\n\n正文"),
	})
	require.NoError(t, err)
	assert.Equal(t, "# 标题\n\n正文", res.Markdown)
	assert.Empty(t, res.Blocks)
}

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDocxExtractsHeadingsAndTables(t *testing.T) {
	doc := `<?xml version="1.0"?>
<document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <body>
    <p><pPr><pStyle val="Heading1"/></pPr><r><t>第一章</t></r></p>
    <p><r><t>这是</t></r><r><t>正文。</t></r></p>
    <tbl>
      <tr><tc><p><r><t>城市</t></r></p></tc><tc><p><r><t>销量</t></r></p></tc></tr>
      <tr><tc><p><r><t>北京</t></r></p></tc><tc><p><r><t>120</t></r></p></tc></tr>
    </tbl>
    <p><r><t></t></r></p>
  </body>
</document>`

	res, err := NewDocx().TryParse(context.Background(), Request{Filename: "a.docx", Data: buildDocx(t, doc)})
	require.NoError(t, err)
	require.Len(t, res.Blocks, 3)

	assert.Equal(t, BlockTitle, res.Blocks[0].Type)
	assert.Equal(t, "第一章", res.Blocks[0].Text)
	assert.Equal(t, BlockText, res.Blocks[1].Type)
	assert.Equal(t, "这是正文。", res.Blocks[1].Text)
	assert.Equal(t, BlockTable, res.Blocks[2].Type)
	assert.Contains(t, res.Blocks[2].TableBody, "| 城市 | 销量 |")
	assert.Contains(t, res.Blocks[2].TableBody, "| --- | --- |")
	assert.Contains(t, res.Blocks[2].TableBody, "| 北京 | 120 |")
}

func TestDocxRejectsGarbage(t *testing.T) {
	_, err := NewDocx().TryParse(context.Background(), Request{Filename: "a.docx", Data: []byte("not a zip")})
	require.Error(t, err)
}

func TestExcelSheetsBecomeTitleAndTable(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", "销售"))
	require.NoError(t, f.SetSheetRow("销售", "A1", &[]any{"城市", "销量"}))
	require.NoError(t, f.SetSheetRow("销售", "A2", &[]any{"上海", 88}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	res, err := NewExcel().TryParse(context.Background(), Request{Filename: "a.xlsx", Data: buf.Bytes()})
	require.NoError(t, err)
	require.Len(t, res.Blocks, 2)

	assert.Equal(t, BlockTitle, res.Blocks[0].Type)
	assert.Equal(t, "表: 销售", res.Blocks[0].Text)
	assert.Equal(t, BlockTable, res.Blocks[1].Type)
	assert.Contains(t, res.Blocks[1].TableBody, "| 城市 | 销量 |")
	assert.Contains(t, res.Blocks[1].TableBody, "| 上海 | 88 |")
}

func TestRowsToMarkdownPadsRaggedRows(t *testing.T) {
	md := rowsToMarkdown([][]string{{"a", "b", "c"}, {"1"}})
	assert.Contains(t, md, "| a | b | c |")
	assert.Contains(t, md, "| 1 |  |  |")
	assert.Equal(t, "", rowsToMarkdown(nil))
}

func TestFactoryRoutesByExtension(t *testing.T) {
	factory := NewFactory(testMinerUConfig(), testLLMConfig(), zap.NewNop())

	_, err := factory.ChainFor("slides.key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")

	chain, err := factory.ChainFor("report.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, chain.strategies)
	// 兜底提取器总在链尾
	assert.Equal(t, "pdf_fallback", chain.strategies[len(chain.strategies)-1].Name())
}
