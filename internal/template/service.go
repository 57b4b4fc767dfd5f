// Package template は glabels テンプレートの一覧とメタデータ照会を提供します。
// テンプレートは gzip 圧縮された glabels XML で、差し込み設定（Merge要素）と
// 差し込みフィールド（Field要素）を読み取ってAPIへ公開します。
package template

import (
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound はテンプレートが存在しない場合に返されます。
	ErrNotFound = errors.New("template not found")
	// ErrUnsupported はCSV差し込み以外のテンプレートに返されます。
	ErrUnsupported = errors.New("unsupported merge type")
)

// Info はテンプレート1件のメタデータです。
type Info struct {
	Name       string   `json:"name"`
	FormatType string   `json:"format_type"`
	MergeType  string   `json:"merge_type"`
	HasHeaders bool     `json:"has_headers"`
	Fields     []string `json:"fields"`
	FieldCount int      `json:"field_count"`
}

// Service はテンプレートディレクトリを走査して Info を組み立てます。
// キャッシュは持たず、毎回ファイルから読み直します。テンプレートの
// 差し替えを再起動なしで反映するためです。
type Service struct {
	dir    string
	logger *logrus.Logger
}

// NewService は Service を作成します。
func NewService(dir string, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{dir: dir, logger: logger}
}

// List はディレクトリ内の利用可能なテンプレートを名前順で返します。
// 解析できないテンプレートと非対応の差し込み形式は警告ログを残して
// 一覧から除外します。
func (s *Service) List() []Info {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.WithError(err).WithField("dir", s.dir).Warn("cannot read templates directory")
		return []Info{}
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".glabels") {
			continue
		}
		info, err := s.Describe(entry.Name())
		if err != nil {
			s.logger.WithError(err).WithField("template", entry.Name()).Warn("skipping template")
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Describe は1テンプレートのメタデータを返します。
func (s *Service) Describe(name string) (Info, error) {
	path, err := s.resolve(name)
	if err != nil {
		return Info{}, err
	}
	doc, err := parseFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("テンプレートを解析できません: %w", err)
	}

	// glabels のCSV差し込みは Text/Comma 系のみ対応。
	// Line1Keys 付きは先頭行をヘッダーとして扱う形式。
	if !strings.HasPrefix(doc.mergeType, "Text/Comma") {
		return Info{}, fmt.Errorf("%w: %s", ErrUnsupported, doc.mergeType)
	}
	hasHeaders := strings.Contains(doc.mergeType, "Line1Keys")

	var fields []string
	if hasHeaders {
		fields = sortedNames(doc.names)
	} else {
		// ヘッダー無し形式はテンプレートが実際に参照している列番号だけを
		// 数値順で返す（"1" と "3" を使うテンプレートは ["1","3"]）
		fields = sortedPositions(doc.names)
	}

	return Info{
		Name:       name,
		FormatType: "CSV",
		MergeType:  doc.mergeType,
		HasHeaders: hasHeaders,
		Fields:     fields,
		FieldCount: len(fields),
	}, nil
}

// resolve はテンプレート名を検証してディレクトリ配下のパスへ解決します。
func (s *Service) resolve(name string) (string, error) {
	if name == "" || filepath.Base(name) != name || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: 不正なテンプレート名 %q", ErrNotFound, name)
	}
	if !strings.EqualFold(filepath.Ext(name), ".glabels") {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return path, nil
}

// document は解析結果の中間表現です。
type document struct {
	mergeType string
	names     map[string]struct{}
}

// parseFile は .glabels ファイルを開いて解析します。通常は gzip 圧縮されて
// いますが、展開済みのXMLも受け付けます。形式はMIME判定で見分けます。
func parseFile(path string) (document, error) {
	f, err := os.Open(path)
	if err != nil {
		return document{}, err
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return document{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return document{}, err
	}

	var reader io.Reader = f
	if mtype.Is("application/gzip") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return document{}, err
		}
		defer gz.Close()
		reader = gz
	}
	return parseXML(reader)
}

// parseXML は glabels XML から差し込み設定とフィールド名を抽出します。
// 名前空間のバージョン差（2.x / 3.0）を吸収するため要素のローカル名だけを見ます。
// 差し込みフィールドはテキスト内の Field 要素の name 属性に加え、バーコード等が
// 使う任意要素の field 属性からも集めます。
func parseXML(r io.Reader) (document, error) {
	dec := xml.NewDecoder(r)
	doc := document{names: make(map[string]struct{})}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return document{}, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, attr := range start.Attr {
			switch {
			case start.Name.Local == "Merge" && attr.Name.Local == "type":
				doc.mergeType = attr.Value
			case start.Name.Local == "Field" && attr.Name.Local == "name" && attr.Value != "":
				doc.names[attr.Value] = struct{}{}
			case attr.Name.Local == "field" && attr.Value != "":
				doc.names[attr.Value] = struct{}{}
			}
		}
	}

	if doc.mergeType == "" {
		return document{}, errors.New("Merge要素がありません")
	}
	return doc, nil
}

// sortedNames はフィールド名を辞書順で返します。
func sortedNames(names map[string]struct{}) []string {
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// sortedPositions は数字のみのフィールド名を数値順で返します。
// 数字以外の名前はヘッダー無し形式では列を指せないため除外します。
func sortedPositions(names map[string]struct{}) []string {
	var out []string
	for name := range names {
		if isDigits(name) {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i])
		b, _ := strconv.Atoi(out[j])
		return a < b
	})
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
