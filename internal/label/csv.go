package label

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
)

// collectFieldNames は全レコードを走査し、初出順のフィールド名一覧を返します。
// 列順がレコードごとに揺れてもCSVの列は安定します。
func collectFieldNames(rows []map[string]string) []string {
	var fields []string
	seen := make(map[string]struct{})
	for _, row := range rows {
		for _, name := range sortedKeys(row) {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			fields = append(fields, name)
		}
	}
	return fields
}

// sortedKeys はマップのキーを辞書順で返します。Goのマップは走査順が
// 不定なため、初出順を決定的にする目的でレコード内はソートします。
func sortedKeys(row map[string]string) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeCSV はレコード列を fields の列順でCSVファイルへ書き出します。
// 先頭行はヘッダーです。レコードに無いフィールドは空文字になります。
func writeCSV(path string, rows []map[string]string, fields []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("CSVファイルを作成できません: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(fields); err != nil {
		return fmt.Errorf("CSVヘッダーを書き込めません: %w", err)
	}
	record := make([]string, len(fields))
	for _, row := range rows {
		for i, name := range fields {
			record[i] = row[name]
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("CSVレコードを書き込めません: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("CSVの書き込みに失敗しました: %w", err)
	}
	return f.Close()
}
