// Package jobs はラベル印刷ジョブの登録・スケジューリング・状態管理を提供します。
package jobs

import "time"

// Status はジョブの実行状態を表します。
// 遷移は pending → running → done | failed の一方向のみです。
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal は終端状態（done / failed）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Request はジョブ投入時の入力を表します。
// Data の各要素が1枚のラベルに対応します（フィールド名 → 値）。
type Request struct {
	TemplateName string
	Data         []map[string]string
	Copies       int
}

// Job はジョブ状態のスナップショットです。
// レジストリ内部のレコードとは独立したコピーであり、呼び出し側が保持しても安全です。
type Job struct {
	ID         string     `json:"job_id"`
	Status     Status     `json:"status"`
	Template   string     `json:"template"`
	Filename   string     `json:"filename"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Event は購読者へ配信される状態変化です。
// Gone が true の場合、ジョブは保持期限切れで破棄されており、これが最後のイベントです。
type Event struct {
	Job  Job  `json:"job"`
	Gone bool `json:"gone,omitempty"`
}

// Stats は稼働状況の概要です。ルートエンドポイントで公開されます。
type Stats struct {
	Workers        int   `json:"workers"`
	QueueLength    int   `json:"queue_length"`
	Running        int   `json:"running"`
	TotalSubmitted int64 `json:"total_submitted"`
}
