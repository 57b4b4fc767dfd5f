package jobs

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/label-forge/internal/config"
)

// printRequest は POST /labels/print のリクエストボディです。
// data の値は文字列以外（数値など）も受け付け、CSV化の際に文字列へ変換します。
// copies は省略可（省略時1）ですが、明示する場合は1以上でなければなりません。
type printRequest struct {
	TemplateName string           `json:"template_name"`
	Data         []map[string]any `json:"data"`
	Copies       *int             `json:"copies"`
}

// SubmitHandler はラベル印刷ジョブを受け付けるハンドラーを返します。
// 検証を通過したジョブは直ちにジョブIDを返し、レンダリングは非同期で進みます。
func SubmitHandler(m *Manager, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req printRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", "リクエストボディを解析できません。")
			return
		}
		if req.TemplateName == "" {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", "template_name は必須です。")
			return
		}
		if !strings.HasSuffix(strings.ToLower(req.TemplateName), ".glabels") {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", "テンプレート名は .glabels で終わる必要があります。")
			return
		}
		if len(req.Data) == 0 {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", "data には1件以上のレコードが必要です。")
			return
		}
		if len(req.Data) > cfg.MaxLabelsPerJob {
			respondError(c, http.StatusRequestEntityTooLarge, "LIMIT_EXCEEDED",
				fmt.Sprintf("1ジョブあたりのラベル数上限（%d件）を超えています。", cfg.MaxLabelsPerJob))
			return
		}
		copies := 1
		if req.Copies != nil {
			if *req.Copies < 1 {
				respondError(c, http.StatusBadRequest, "INVALID_INPUT", "copies は1以上で指定してください。")
				return
			}
			copies = *req.Copies
		}

		rows := make([]map[string]string, len(req.Data))
		for i, raw := range req.Data {
			if len(raw) > cfg.MaxFieldsPerLabel {
				respondError(c, http.StatusRequestEntityTooLarge, "LIMIT_EXCEEDED",
					fmt.Sprintf("レコード%dのフィールド数が上限（%d個）を超えています。", i, cfg.MaxFieldsPerLabel))
				return
			}
			row := make(map[string]string, len(raw))
			for k, v := range raw {
				s := stringifyField(v)
				if len(s) > cfg.MaxFieldLength {
					respondError(c, http.StatusRequestEntityTooLarge, "LIMIT_EXCEEDED",
						fmt.Sprintf("フィールド %q の長さが上限（%d文字）を超えています。", k, cfg.MaxFieldLength))
					return
				}
				row[k] = s
			}
			rows[i] = row
		}

		id, err := m.Submit(Request{
			TemplateName: req.TemplateName,
			Data:         rows,
			Copies:       copies,
		})
		if errors.Is(err, ErrShuttingDown) {
			respondError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "サーバーは停止処理中のため、新しいジョブを受け付けられません。")
			return
		}
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":  id,
			"message": "ジョブを受け付けました。",
		})
	}
}

// StatusHandler はジョブの現在状態を返すハンドラーを返します。
func StatusHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := m.Get(c.Param("id"))
		if !ok {
			respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", "指定されたジョブは存在しないか、保持期限が切れています。")
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ListHandler は新しい順のジョブ一覧を返すハンドラーを返します。
func ListHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
		if err != nil || limit < 1 {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", "limit は1以上の整数で指定してください。")
			return
		}
		jobs := m.List(limit)
		c.JSON(http.StatusOK, gin.H{
			"jobs":  jobs,
			"count": len(jobs),
		})
	}
}

// StreamHandler はジョブの状態変化をSSEで配信するハンドラーを返します。
// 接続直後に現在のスナップショットを1件配信し、以降は遷移ごとに status
// イベントが届きます。ジョブが終端状態に達するか、保持期限切れで破棄される
// （error イベントを配信）か、クライアントが切断するとストリームを終了します。
func StreamHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, cancel, ok := m.Subscribe(c.Param("id"))
		if !ok {
			respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", "指定されたジョブは存在しないか、保持期限が切れています。")
			return
		}
		defer cancel()

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		c.Stream(func(w io.Writer) bool {
			select {
			case ev, open := <-events:
				if !open {
					return false
				}
				if ev.Gone {
					c.SSEvent("error", gin.H{"code": "JOB_NOT_FOUND", "message": "ジョブは保持期限切れで破棄されました。"})
					return false
				}
				c.SSEvent("status", ev.Job)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}

// DownloadHandler は完了したジョブのPDFを配信するハンドラーを返します。
// preview=true を指定するとブラウザ内表示用の Content-Disposition になります。
func DownloadHandler(m *Manager, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := m.Get(c.Param("id"))
		if !ok {
			respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", "指定されたジョブは存在しないか、保持期限が切れています。")
			return
		}
		if job.Status != StatusDone {
			respondError(c, http.StatusConflict, "JOB_NOT_FINISHED",
				fmt.Sprintf("ジョブはまだ完了していません（現在: %s）。", job.Status))
			return
		}

		path := filepath.Join(cfg.OutputDir, job.Filename)
		file, err := os.Open(path)
		if err != nil {
			// レコードは残っているが成果物だけ消えた場合
			respondError(c, http.StatusGone, "JOB_EXPIRED", "成果物PDFは既に削除されています。")
			return
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "成果物PDFを読み取れません。")
			return
		}

		disposition := "attachment"
		if c.Query("preview") == "true" {
			disposition = "inline"
		}
		c.Header("Content-Disposition", fmt.Sprintf(`%s; filename="%s"`, disposition, job.Filename))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", job.ID)
		c.DataFromReader(http.StatusOK, info.Size(), "application/pdf", file, nil)
	}
}

// stringifyField はJSONの値をCSVセル向けの文字列へ変換します。
func stringifyField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"code": code, "message": message})
}
