// Package label はラベルPDF生成のコアロジックを提供します。
// ジョブのレコード列をバッチへ分割し、glabelsエンジンでレンダリングして
// 1つの成果物PDFへ統合します。
package label

import "fmt"

// エラーコード。APIレイヤーでHTTPステータスへ変換されます。
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeTemplateNotFound = "TEMPLATE_NOT_FOUND"
	CodeRenderTimeout    = "RENDER_TIMEOUT"
	CodeRenderFailed     = "RENDER_FAILED"
	CodeMergeFailed      = "MERGE_FAILED"
)

// Error は分類済みのエラーです。レンダリング失敗・タイムアウト・統合失敗を
// コードで区別し、ジョブレコードおよびAPIレスポンスへ伝搬します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
