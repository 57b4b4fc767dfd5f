package jobs

import (
	"sort"
	"sync"
	"time"
)

// subscriberBuffer はジョブの全ライフサイクル（初回スナップショット + 遷移2回 + gone）
// を取りこぼさずに保持できる容量です。
const subscriberBuffer = 8

type record struct {
	job  Job
	req  Request
	subs map[int]chan Event
}

// Registry はジョブレコードを保持するインメモリのレジストリです。
// 全ての更新は単一のミューテックスで保護され、読み手が更新途中の
// レコードを観測することはありません。外部へは常にスナップショットを返します。
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*record
	nextSub int
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*record)}
}

// Create は pending 状態のジョブを登録し、スナップショットを返します。
func (r *Registry) Create(id string, req Request, filename string, now time.Time) Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &record{
		job: Job{
			ID:        id,
			Status:    StatusPending,
			Template:  req.TemplateName,
			Filename:  filename,
			CreatedAt: now,
		},
		req:  req,
		subs: make(map[int]chan Event),
	}
	r.jobs[id] = rec
	return rec.job
}

// Get はジョブのスナップショットを返します。
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return rec.job, true
}

// List は作成日時の新しい順に最大 limit 件のスナップショットを返します。
func (r *Registry) List(limit int) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]Job, 0, len(r.jobs))
	for _, rec := range r.jobs {
		all = append(all, rec.job)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Running は running 状態のジョブ数を返します。
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.jobs {
		if rec.job.Status == StatusRunning {
			n++
		}
	}
	return n
}

// MarkRunning は pending → running の遷移を行い、スナップショットと投入時の
// リクエストを返します。pending 以外からの遷移は失敗します
// （キュー滞留中に破棄されたジョブなど）。
func (r *Registry) MarkRunning(id string, now time.Time) (Job, Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status != StatusPending {
		return Job{}, Request{}, false
	}
	started := now
	rec.job.Status = StatusRunning
	rec.job.StartedAt = &started
	r.notifyLocked(rec)
	return rec.job, rec.req, true
}

// MarkDone は running → done の遷移を行います。
func (r *Registry) MarkDone(id string, now time.Time) (Job, bool) {
	return r.finish(id, StatusDone, "", now)
}

// MarkFailed は running → failed の遷移を行い、エラー内容を記録します。
func (r *Registry) MarkFailed(id string, errMsg string, now time.Time) (Job, bool) {
	return r.finish(id, StatusFailed, errMsg, now)
}

func (r *Registry) finish(id string, status Status, errMsg string, now time.Time) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status != StatusRunning {
		return Job{}, false
	}
	finished := now
	rec.job.Status = status
	rec.job.Error = errMsg
	rec.job.FinishedAt = &finished
	r.notifyLocked(rec)
	return rec.job, true
}

// Remove はジョブレコードを直ちに削除します。キューへ載せられなかった
// ジョブの巻き戻しに使われます。購読者がいればチャネルをクローズします。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return
	}
	for key, sub := range rec.subs {
		delete(rec.subs, key)
		close(sub)
	}
	delete(r.jobs, id)
}

// Subscribe はジョブの状態変化を受け取るチャネルを返します。
// 現在のスナップショットが直ちに1件配信され、以降は遷移ごとに1件ずつ届きます。
// ジョブが終端状態に達するとチャネルはクローズされます。購読を中断する場合は
// 返されたキャンセル関数を呼び出してください（何度呼んでも安全です）。
func (r *Registry) Subscribe(id string) (<-chan Event, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Event, subscriberBuffer)
	ch <- Event{Job: rec.job}
	if rec.job.Status.Terminal() {
		close(ch)
		return ch, func() {}, true
	}

	key := r.nextSub
	r.nextSub++
	rec.subs[key] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		rec, ok := r.jobs[id]
		if !ok {
			return
		}
		if sub, ok := rec.subs[key]; ok {
			delete(rec.subs, key)
			close(sub)
		}
	}
	return ch, cancel, true
}

// Evict は保持期限を過ぎたジョブを削除し、削除したスナップショットを返します。
// 終端時刻（未終了なら作成時刻）が cutoff より古いものが対象です。
// 購読者には最後に gone イベントが配信されます。
func (r *Registry) Evict(cutoff time.Time) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []Job
	for id, rec := range r.jobs {
		ref := rec.job.CreatedAt
		if rec.job.FinishedAt != nil {
			ref = *rec.job.FinishedAt
		}
		if !ref.Before(cutoff) {
			continue
		}
		for key, sub := range rec.subs {
			select {
			case sub <- Event{Job: rec.job, Gone: true}:
			default:
			}
			delete(rec.subs, key)
			close(sub)
		}
		delete(r.jobs, id)
		evicted = append(evicted, rec.job)
	}
	return evicted
}

// notifyLocked は現在のスナップショットを全購読者へ配信します。
// バッファが溢れた購読者は取り残さずに切断します。終端状態に達した場合は
// 配信後に全チャネルをクローズします。呼び出し側がロックを保持していること。
func (r *Registry) notifyLocked(rec *record) {
	terminal := rec.job.Status.Terminal()
	for key, sub := range rec.subs {
		select {
		case sub <- Event{Job: rec.job}:
			if terminal {
				delete(rec.subs, key)
				close(sub)
			}
		default:
			delete(rec.subs, key)
			close(sub)
		}
	}
}
