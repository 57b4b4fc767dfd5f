package label

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// slugPattern はファイル名として安全でない文字にマッチします。
var slugPattern = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// slugify は任意の文字列をファイル名に使える形へ変換します。
func slugify(s string) string {
	s = slugPattern.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		s = "labels"
	}
	return s
}

// outputFilename はテンプレート名・タイムスタンプ・ジョブID先頭8桁から
// 出力PDF名を組み立てます。ジョブIDを含めるため同名テンプレートの
// 同時刻投入でも衝突しません。
func outputFilename(templateName, jobID string, now time.Time) string {
	base := filepath.Base(templateName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s.pdf", slugify(base), now.Format("20060102_150405"), short)
}
