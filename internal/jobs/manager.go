package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/label-forge/internal/config"
)

// maxErrorLen はジョブレコードに記録するエラーメッセージの上限です。
const maxErrorLen = 1024

// Generator はジョブのPDF生成を実行するサービスが実装します。
type Generator interface {
	// OutputFilename は出力PDFのファイル名を決定します。
	OutputFilename(templateName, jobID string) string
	// Generate はジョブ全体をレンダリングし、最終PDFを出力ディレクトリへ書き出します。
	Generate(ctx context.Context, jobID, templateName string, data []map[string]string, copies int, filename string) error
}

// ErrEmptyData はレコードが空のまま投入された場合に返されます。
var ErrEmptyData = errors.New("no label data submitted")

// ErrShuttingDown は停止処理開始後の投入に返されます。
var ErrShuttingDown = errors.New("job manager is shutting down")

// Manager はジョブの投入・ワーカープール・保持期限管理を担います。
// ジョブ状態は全てインメモリで保持され、プロセス再起動で失われます。
type Manager struct {
	cfg       *config.Config
	registry  *Registry
	queue     *fifo
	gen       Generator
	logger    *logrus.Logger
	workers   int
	retention time.Duration

	wg          sync.WaitGroup
	cleanupStop chan struct{}
	jobsTotal   atomic.Int64
	now         func() time.Time
}

// NewManager は Manager を初期化します。ワーカー数が 0（自動）の場合は
// CPU検出によって解決します。再検出は行いません。
func NewManager(cfg *config.Config, gen Generator, logger *logrus.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if gen == nil {
		return nil, errors.New("generator is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DetectWorkerCount()
	}

	return &Manager{
		cfg:         cfg,
		registry:    NewRegistry(),
		queue:       newFIFO(),
		gen:         gen,
		logger:      logger,
		workers:     workers,
		retention:   time.Duration(cfg.RetentionHours) * time.Hour,
		cleanupStop: make(chan struct{}),
		now:         time.Now,
	}, nil
}

// Start はワーカープールと定期クリーンアップを起動します。
// 起動時に一度クリーンアップを実行し、前回稼働時の残骸を回収します。
func (m *Manager) Start() {
	m.sweep()

	for wid := 0; wid < m.workers; wid++ {
		m.wg.Add(1)
		go m.worker(wid)
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	m.logger.WithField("workers", m.workers).Info("job manager started")
}

// Shutdown は新規の取り出しを停止し、実行中のジョブが終わるのを timeout まで待ちます。
// 期限を過ぎたジョブは running のまま放置されます。実際の結果が不明なため
// failed には倒しません。インメモリ管理の割り切りであり、プロセス終了とともに消えます。
func (m *Manager) Shutdown(timeout time.Duration) {
	m.queue.close()
	close(m.cleanupStop)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("job manager stopped")
	case <-time.After(timeout):
		m.logger.Warn("shutdown timeout reached, abandoning in-flight jobs")
	}
}

// Submit はジョブを登録してキューへ投入し、ジョブIDを直ちに返します。
// レンダリングの完了は待ちません。登録と投入はこの順で行われるため、
// ワーカーが取り出した時点でジョブは必ず照会可能です。
func (m *Manager) Submit(req Request) (string, error) {
	if len(req.Data) == 0 {
		return "", ErrEmptyData
	}
	if req.Copies < 1 {
		req.Copies = 1
	}

	id := uuid.NewString()
	filename := m.gen.OutputFilename(req.TemplateName, id)
	m.registry.Create(id, req, filename, m.now().UTC())
	if !m.queue.push(id) {
		// 停止処理と競合した。キューに載らないレコードを残さない
		m.registry.Remove(id)
		return "", ErrShuttingDown
	}
	m.jobsTotal.Add(1)

	m.logger.WithFields(logrus.Fields{
		"job_id":   id,
		"template": req.TemplateName,
		"labels":   len(req.Data),
	}).Info("job submitted")
	return id, nil
}

// Get はジョブのスナップショットを返します。
func (m *Manager) Get(id string) (Job, bool) {
	return m.registry.Get(id)
}

// List は作成日時の新しい順に最大 limit 件を返します。
func (m *Manager) List(limit int) []Job {
	return m.registry.List(limit)
}

// Subscribe はジョブの状態変化ストリームを返します。詳細は Registry.Subscribe を参照。
func (m *Manager) Subscribe(id string) (<-chan Event, func(), bool) {
	return m.registry.Subscribe(id)
}

// Stats は稼働状況の概要を返します。
func (m *Manager) Stats() Stats {
	return Stats{
		Workers:        m.workers,
		QueueLength:    m.queue.len(),
		Running:        m.registry.Running(),
		TotalSubmitted: m.jobsTotal.Load(),
	}
}

// worker はキューからジョブを1件ずつ取り出して処理するループです。
// 1つのジョブIDは必ず1つのワーカーだけが取り出します。
func (m *Manager) worker(wid int) {
	defer m.wg.Done()
	log := m.logger.WithField("worker", wid)
	log.Debug("worker started")

	for {
		id, ok := m.queue.pop()
		if !ok {
			log.Debug("worker stopped")
			return
		}

		job, req, ok := m.registry.MarkRunning(id, m.now().UTC())
		if !ok {
			// キュー滞留中に保持期限切れで破棄された場合など
			log.WithField("job_id", id).Warn("dequeued job no longer pending, skipping")
			continue
		}

		start := m.now()
		err := m.runJob(id, req, job.Filename)
		elapsed := m.now().Sub(start)

		if err != nil {
			m.registry.MarkFailed(id, truncateError(err), m.now().UTC())
			log.WithFields(logrus.Fields{
				"job_id":  id,
				"elapsed": elapsed.Round(time.Millisecond),
			}).WithError(err).Error("job failed")
		} else {
			m.registry.MarkDone(id, m.now().UTC())
			log.WithFields(logrus.Fields{
				"job_id":   id,
				"filename": job.Filename,
				"elapsed":  elapsed.Round(time.Millisecond),
			}).Info("job completed")
		}

		m.sweep()
	}
}

// runJob は Generator を呼び出します。単一ジョブの異常がプール全体を
// 巻き込まないよう、パニックもここで捕捉してエラーに変換します。
// シャットダウンは実行中ジョブへ割り込まないため、コンテキストは
// サーバーのものではなく background を渡します。
func (m *Manager) runJob(id string, req Request, filename string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return m.gen.Generate(context.Background(), id, req.TemplateName, req.Data, req.Copies, filename)
}

// cleanupLoop はトラフィックが無くても保持期限切れを回収できるよう、
// 一定間隔でクリーンアップを実行します。
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.CleanupIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
			m.logger.Debug("scheduled cleanup completed")
		case <-m.cleanupStop:
			return
		}
	}
}

// sweep は保持期限切れのジョブをレジストリから削除し、その成果物PDFを消します。
// さらに出力ディレクトリを走査し、レコードが既に消えた孤児PDFも更新時刻で回収します。
func (m *Manager) sweep() {
	cutoff := m.now().UTC().Add(-m.retention)

	for _, job := range m.registry.Evict(cutoff) {
		m.logger.WithField("job_id", job.ID).Debug("evicted expired job")
		if job.Filename == "" {
			continue
		}
		path := filepath.Join(m.cfg.OutputDir, job.Filename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.WithError(err).WithField("path", path).Warn("cannot delete expired PDF")
		}
	}

	entries, err := os.ReadDir(m.cfg.OutputDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pdf" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(m.cfg.OutputDir, entry.Name())
			if err := os.Remove(path); err != nil {
				m.logger.WithError(err).WithField("path", path).Warn("cannot delete orphaned PDF")
			} else {
				m.logger.WithField("path", path).Debug("deleted orphaned PDF")
			}
		}
	}
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen] + "..."
	}
	return msg
}
