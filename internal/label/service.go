package label

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/label-forge/internal/config"
)

// runner はバッチ1件のレンダリングを実行します。実体は Engine です。
type runner interface {
	Run(ctx context.Context, outputPDF, templatePath, csvPath string, extraArgs []string) error
}

// Service はジョブ1件分のPDF生成を統括します。レコード列をバッチへ分割し、
// バッチごとにCSVを書き出してエンジンでレンダリングし、複数バッチの場合は
// pdfcpu で1つのPDFへ統合します。
type Service struct {
	cfg    *config.Config
	engine runner
	logger *logrus.Logger
	now    func() time.Time
}

// NewService は Service を作成します。
func NewService(cfg *config.Config, engine runner, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{cfg: cfg, engine: engine, logger: logger, now: time.Now}
}

// OutputFilename は出力PDFのファイル名を決定します。
func (s *Service) OutputFilename(templateName, jobID string) string {
	return outputFilename(templateName, jobID, s.now().UTC())
}

// Generate はジョブ全体をレンダリングし、最終PDFを出力ディレクトリへ書き出します。
// 処理の流れ:
//  1. テンプレートを解決する
//  2. レコード列をバッチ上限ごとに分割する（投入順は維持）
//  3. 各バッチを並行レンダリングする
//  4. 複数バッチならバッチ順のまま1つのPDFへ統合する
//
// 成功時、出力ディレクトリに filename のPDFが存在します。中間ファイルは
// KEEP_TEMP が無効なら削除されます。
func (s *Service) Generate(ctx context.Context, jobID, templateName string, data []map[string]string, copies int, filename string) error {
	if len(data) == 0 {
		return newError(CodeInvalidInput, "ラベルデータが空です", nil)
	}

	templatePath, err := s.resolveTemplate(templateName)
	if err != nil {
		return err
	}
	for _, dir := range []string{s.cfg.OutputDir, s.cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ディレクトリを作成できません: %w", err)
		}
	}

	outputPDF := filepath.Join(s.cfg.OutputDir, filename)
	fields := collectFieldNames(data)
	batches := chunkRows(data, s.cfg.MaxLabelsPerBatch)

	var extraArgs []string
	if copies > 1 {
		extraArgs = append(extraArgs, fmt.Sprintf("--copies=%d", copies))
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":   jobID,
		"template": templateName,
		"labels":   len(data),
		"batches":  len(batches),
		"copies":   copies,
	}).Info("rendering job")

	if len(batches) == 1 {
		if err := s.renderBatch(ctx, jobID, 0, outputPDF, templatePath, batches[0], fields, extraArgs); err != nil {
			return err
		}
	} else if err := s.renderAndMerge(ctx, jobID, outputPDF, templatePath, batches, fields, extraArgs); err != nil {
		return err
	}

	if pages, err := pdfapi.PageCountFile(outputPDF); err == nil {
		s.logger.WithFields(logrus.Fields{"job_id": jobID, "pages": pages}).Info("job PDF ready")
	}
	return nil
}

// renderAndMerge は全バッチを並行レンダリングし、バッチ順のままPDFへ統合します。
// いずれかのバッチが失敗してもレンダリング中のバッチはそのまま走り切らせ、
// 全バッチ完了後にバッチ番号の最も小さい失敗を返します。
func (s *Service) renderAndMerge(ctx context.Context, jobID, outputPDF, templatePath string, batches [][]map[string]string, fields, extraArgs []string) error {
	batchPDFs := make([]string, len(batches))
	errs := make([]error, len(batches))

	var wg sync.WaitGroup
	for i, batch := range batches {
		batchPDFs[i] = filepath.Join(s.cfg.TempDir, fmt.Sprintf("%s_batch%03d.pdf", jobID, i))
		wg.Add(1)
		go func(i int, batch []map[string]string) {
			defer wg.Done()
			errs[i] = s.renderBatch(ctx, jobID, i, batchPDFs[i], templatePath, batch, fields, extraArgs)
		}(i, batch)
	}
	wg.Wait()

	if !s.cfg.KeepTemp {
		defer func() {
			for _, p := range batchPDFs {
				os.Remove(p)
			}
		}()
	}

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
	}

	if err := pdfapi.MergeCreateFile(batchPDFs, outputPDF, false, nil); err != nil {
		os.Remove(outputPDF)
		return newError(CodeMergeFailed,
			fmt.Sprintf("%d個のバッチPDFを統合できませんでした", len(batchPDFs)), err)
	}
	return nil
}

// renderBatch は1バッチ分のCSVを書き出してエンジンを実行します。
func (s *Service) renderBatch(ctx context.Context, jobID string, index int, outputPDF, templatePath string, batch []map[string]string, fields, extraArgs []string) error {
	csvPath := filepath.Join(s.cfg.TempDir, fmt.Sprintf("%s_batch%03d.csv", jobID, index))
	if err := writeCSV(csvPath, batch, fields); err != nil {
		return err
	}
	if !s.cfg.KeepTemp {
		defer os.Remove(csvPath)
	}
	return s.engine.Run(ctx, outputPDF, templatePath, csvPath, extraArgs)
}

// resolveTemplate はテンプレート名を検証し、テンプレートディレクトリ配下の
// 絶対パスへ解決します。パストラバーサルを防ぐため、名前にパス区切りを
// 含むものは拒否します。
func (s *Service) resolveTemplate(name string) (string, error) {
	if name == "" {
		return "", newError(CodeInvalidInput, "テンプレート名が指定されていません", nil)
	}
	if filepath.Base(name) != name || strings.Contains(name, "..") {
		return "", newError(CodeInvalidInput, fmt.Sprintf("不正なテンプレート名です: %s", name), nil)
	}
	if !strings.EqualFold(filepath.Ext(name), ".glabels") {
		return "", newError(CodeInvalidInput,
			fmt.Sprintf("テンプレート名は .glabels で終わる必要があります: %s", name), nil)
	}
	path := filepath.Join(s.cfg.TemplatesDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", newError(CodeTemplateNotFound, fmt.Sprintf("テンプレートが見つかりません: %s", name), err)
	}
	return path, nil
}

// chunkRows はレコード列を最大 size 件ずつに分割します。順序は維持されます。
// size が 0 以下の場合は分割しません。
func chunkRows(rows []map[string]string, size int) [][]map[string]string {
	if size <= 0 || len(rows) <= size {
		return [][]map[string]string{rows}
	}
	var chunks [][]map[string]string
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
