package imaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/parser"
	"github.com/BaSui01/knowbase/storage"
)

type stubUploader struct {
	url     string
	err     error
	uploads int
}

func (s *stubUploader) UploadImage(_ context.Context, _, _ string, _ []byte) (string, error) {
	s.uploads++
	return s.url, s.err
}

type stubVision struct {
	available bool
	triage    string
	answer    string
	err       error
	prompts   []string
}

func (s *stubVision) VisionAvailable() bool { return s.available }

func (s *stubVision) DescribeImage(_ context.Context, prompt string, _ []byte, _ int) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if prompt == triagePrompt {
		return s.triage, nil
	}
	return s.answer, nil
}

func imageBlock(caption string) *parser.Block {
	return &parser.Block{Type: parser.BlockImage, Text: caption, ImageBytes: []byte("PNG")}
}

func TestPreprocessUploadsAndSetsURL(t *testing.T) {
	store := &stubUploader{url: "https://minio/rag/images/nb1/d1/x.png"}
	p := NewPipeline(store, nil, zap.NewNop())

	blocks := []*parser.Block{
		{Type: parser.BlockText, Text: "正文"},
		imageBlock("图1"),
	}
	p.Preprocess(context.Background(), blocks, "nb1", "d1", Options{})

	assert.Equal(t, 1, store.uploads)
	assert.Equal(t, store.url, blocks[1].ImageURL)
	assert.Equal(t, "图1", blocks[1].Text)
}

func TestPreprocessSkipsBlocksWithoutBytes(t *testing.T) {
	store := &stubUploader{url: "u"}
	p := NewPipeline(store, nil, zap.NewNop())

	blocks := []*parser.Block{{Type: parser.BlockImage, Text: "无字节"}}
	p.Preprocess(context.Background(), blocks, "nb1", "d1", Options{})
	assert.Zero(t, store.uploads)
	assert.Empty(t, blocks[0].ImageURL)
}

func TestPreprocessUploadFailureKeepsCaption(t *testing.T) {
	store := &stubUploader{err: errors.New("minio down")}
	p := NewPipeline(store, nil, zap.NewNop())

	blocks := []*parser.Block{imageBlock("原注")}
	p.Preprocess(context.Background(), blocks, "nb1", "d1", Options{})
	assert.Empty(t, blocks[0].ImageURL)
	assert.Equal(t, "原注", blocks[0].Text)
}

func TestPreprocessFusesVisionOutput(t *testing.T) {
	vision := &stubVision{available: true, triage: "PHOTO", answer: "一张服务器机柜照片"}
	p := NewPipeline(nil, vision, zap.NewNop())

	blocks := []*parser.Block{imageBlock("图2 机房")}
	p.Preprocess(context.Background(), blocks, "nb1", "d1", Options{})

	assert.Contains(t, blocks[0].Text, "【图表/图像分析】")
	assert.Contains(t, blocks[0].Text, "原注：图2 机房")
	assert.Contains(t, blocks[0].Text, "解析内容：\n一张服务器机柜照片")
}

func TestPreprocessFlowchartGetsHeadingContext(t *testing.T) {
	vision := &stubVision{available: true, triage: "FLOWCHART", answer: "- 网关\n- 服务"}
	p := NewPipeline(nil, vision, zap.NewNop())

	blocks := []*parser.Block{
		{Type: parser.BlockTitle, Text: "第一章 总体设计"},
		{Type: parser.BlockTitle, Text: "1.1 架构"},
		imageBlock(""),
	}
	p.Preprocess(context.Background(), blocks, "nb1", "d1", Options{})

	require.Len(t, vision.prompts, 2)
	assert.Contains(t, vision.prompts[1], "第一章 总体设计 > 1.1 架构")
}

func TestPreprocessVisionFailureKeepsOriginal(t *testing.T) {
	vision := &stubVision{available: true, err: errors.New("vlm 502")}
	p := NewPipeline(nil, vision, zap.NewNop())

	blocks := []*parser.Block{imageBlock("保留的原注")}
	p.Preprocess(context.Background(), blocks, "nb1", "d1", Options{})
	assert.Equal(t, "保留的原注", blocks[0].Text)
}

func TestPreprocessReusesPriorCaption(t *testing.T) {
	vision := &stubVision{available: true, triage: "PHOTO", answer: "不该被调用"}
	p := NewPipeline(nil, vision, zap.NewNop())

	blocks := []*parser.Block{imageBlock("图3")}
	prior := map[string]string{
		storage.ImageContentKey(blocks[0].ImageBytes): "【图表/图像分析】\n原注：图3\n解析内容：\n历史说明",
	}
	p.Preprocess(context.Background(), blocks, "nb1", "d1", Options{PriorCaptions: prior})

	assert.Empty(t, vision.prompts)
	assert.Equal(t, prior[storage.ImageContentKey([]byte("PNG"))], blocks[0].Text)
}

func TestPreprocessRecaptionIgnoresPriorCaption(t *testing.T) {
	vision := &stubVision{available: true, triage: "PHOTO", answer: "全新描述"}
	p := NewPipeline(nil, vision, zap.NewNop())

	blocks := []*parser.Block{imageBlock("图3")}
	prior := map[string]string{storage.ImageContentKey(blocks[0].ImageBytes): "旧说明"}
	p.Preprocess(context.Background(), blocks, "nb1", "d1", Options{Recaption: true, PriorCaptions: prior})

	require.NotEmpty(t, vision.prompts)
	assert.Contains(t, blocks[0].Text, "全新描述")
}

func TestClassifyNormalizesLabels(t *testing.T) {
	vision := &stubVision{available: true, triage: "结论: chart"}
	p := NewPipeline(nil, vision, zap.NewNop())
	assert.Equal(t, TypeChart, p.classify(context.Background(), []byte("x")))

	vision.triage = "无法判断"
	assert.Equal(t, TypeOther, p.classify(context.Background(), []byte("x")))
}

func TestFusionContentWithoutAnySource(t *testing.T) {
	out := fusionContent("", "")
	assert.Equal(t, "【图表/图像分析】\n（无可用描述）", out)
}

func TestTruncateToTokens(t *testing.T) {
	short := "一二三"
	assert.Equal(t, short, truncateToTokens(short, 100))

	long := strings.Repeat("数", 6000)
	out := truncateToTokens(long, 100)
	assert.True(t, strings.HasSuffix(out, truncateSuffix))
	assert.Less(t, len([]rune(out)), 6000)
}
