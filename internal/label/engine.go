package label

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// stderrTruncate はエラーメッセージへ含める標準エラー出力の上限です。
const stderrTruncate = 1024

// Engine は glabels-3-batch CLI のラッパーです。
//
//	glabels-3-batch -o output.pdf -i data.csv template.glabels
//
// セマフォで子プロセスの同時実行数を制限し、1回の実行ごとにタイムアウトを
// 強制します。CSVとテンプレートは呼び出し側が事前に用意してください。
// この同時実行数はワーカープールのジョブ並列度とは独立した制限です。
type Engine struct {
	bin     string
	sem     chan struct{}
	timeout time.Duration
	logger  *logrus.Logger
}

// NewEngine は Engine を作成します。maxParallel と timeout が不正な場合は
// 最低限の値に切り上げます。
func NewEngine(bin string, maxParallel int, timeout time.Duration, logger *logrus.Logger) *Engine {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		bin:     bin,
		sem:     make(chan struct{}, maxParallel),
		timeout: timeout,
		logger:  logger,
	}
}

// Run はCSVとテンプレートから1バッチ分のPDFを生成します。
// 失敗はコード付きの *Error に分類されます:
// タイムアウト（プロセスはkillされます）は RENDER_TIMEOUT、
// 異常終了および出力PDFの欠落は RENDER_FAILED、
// テンプレート不在は TEMPLATE_NOT_FOUND。
func (e *Engine) Run(ctx context.Context, outputPDF, templatePath, csvPath string, extraArgs []string) error {
	if _, err := os.Stat(templatePath); err != nil {
		return newError(CodeTemplateNotFound, fmt.Sprintf("テンプレートが見つかりません: %s", templatePath), err)
	}
	if _, err := os.Stat(csvPath); err != nil {
		return fmt.Errorf("CSVファイルが見つかりません: %w", err)
	}

	// 子プロセス数の制限
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := append([]string{"-o", outputPDF, "-i", csvPath, templatePath}, extraArgs...)
	e.logger.WithField("cmd", e.bin+" "+strings.Join(args, " ")).Debug("running glabels")

	cmd := exec.CommandContext(runCtx, e.bin, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return newError(CodeRenderTimeout,
			fmt.Sprintf("glabelsの実行が %s でタイムアウトしました", e.timeout), runCtx.Err())
	}
	if err != nil {
		return newError(CodeRenderFailed,
			fmt.Sprintf("glabelsの実行に失敗しました: %s", truncate(output.String(), stderrTruncate)), err)
	}

	// 終了コード0でも出力が無いケースを失敗として扱う
	if _, statErr := os.Stat(outputPDF); statErr != nil {
		return newError(CodeRenderFailed,
			fmt.Sprintf("glabelsは成功を報告しましたが出力PDFがありません: %s", outputPDF), statErr)
	}

	e.logger.WithField("output", outputPDF).Debug("glabels done")
	return nil
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
