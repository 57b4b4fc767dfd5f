package jobs

import (
	"testing"
	"time"
)

func testRequest() Request {
	return Request{
		TemplateName: "address.glabels",
		Data:         []map[string]string{{"name": "a"}},
		Copies:       1,
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	now := time.Now().UTC()

	job := r.Create("j1", testRequest(), "out.pdf", now)
	if job.Status != StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.Filename != "out.pdf" {
		t.Fatalf("filename = %q", job.Filename)
	}

	job, req, ok := r.MarkRunning("j1", now.Add(time.Second))
	if !ok {
		t.Fatal("MarkRunning failed")
	}
	if job.Status != StatusRunning || job.StartedAt == nil {
		t.Fatalf("unexpected job after MarkRunning: %+v", job)
	}
	if req.TemplateName != "address.glabels" {
		t.Fatalf("request template = %q", req.TemplateName)
	}

	job, ok = r.MarkDone("j1", now.Add(2*time.Second))
	if !ok {
		t.Fatal("MarkDone failed")
	}
	if job.Status != StatusDone || job.FinishedAt == nil {
		t.Fatalf("unexpected job after MarkDone: %+v", job)
	}
}

func TestRegistryInvalidTransitions(t *testing.T) {
	r := NewRegistry()
	now := time.Now().UTC()
	r.Create("j1", testRequest(), "out.pdf", now)

	// pending のまま終了はできない
	if _, ok := r.MarkDone("j1", now); ok {
		t.Fatal("MarkDone succeeded on pending job")
	}
	if _, ok := r.MarkFailed("j1", "boom", now); ok {
		t.Fatal("MarkFailed succeeded on pending job")
	}

	r.MarkRunning("j1", now)
	r.MarkDone("j1", now)

	// 終端状態からの再遷移もできない
	if _, _, ok := r.MarkRunning("j1", now); ok {
		t.Fatal("MarkRunning succeeded on done job")
	}
	if _, ok := r.MarkFailed("j1", "boom", now); ok {
		t.Fatal("MarkFailed succeeded on done job")
	}
}

func TestRegistryListOrder(t *testing.T) {
	r := NewRegistry()
	base := time.Now().UTC()
	r.Create("a", testRequest(), "a.pdf", base)
	r.Create("b", testRequest(), "b.pdf", base.Add(time.Second))
	r.Create("c", testRequest(), "c.pdf", base.Add(2*time.Second))

	jobs := r.List(0)
	if len(jobs) != 3 {
		t.Fatalf("len = %d, want 3", len(jobs))
	}
	if jobs[0].ID != "c" || jobs[1].ID != "b" || jobs[2].ID != "a" {
		t.Fatalf("unexpected order: %s, %s, %s", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}

	jobs = r.List(2)
	if len(jobs) != 2 || jobs[0].ID != "c" {
		t.Fatalf("unexpected limited list: %+v", jobs)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	r := NewRegistry()
	now := time.Now().UTC()
	r.Create("j1", testRequest(), "out.pdf", now)

	events, cancel, ok := r.Subscribe("j1")
	if !ok {
		t.Fatal("Subscribe failed")
	}
	defer cancel()

	// 購読直後に現在のスナップショットが届く
	ev := <-events
	if ev.Job.Status != StatusPending {
		t.Fatalf("first event status = %s, want pending", ev.Job.Status)
	}

	r.MarkRunning("j1", now)
	ev = <-events
	if ev.Job.Status != StatusRunning {
		t.Fatalf("second event status = %s, want running", ev.Job.Status)
	}

	r.MarkDone("j1", now)
	ev = <-events
	if ev.Job.Status != StatusDone {
		t.Fatalf("third event status = %s, want done", ev.Job.Status)
	}

	// 終端状態に達したのでチャネルはクローズされる
	if _, open := <-events; open {
		t.Fatal("channel still open after terminal state")
	}
}

func TestSubscribeTerminalJobClosesImmediately(t *testing.T) {
	r := NewRegistry()
	now := time.Now().UTC()
	r.Create("j1", testRequest(), "out.pdf", now)
	r.MarkRunning("j1", now)
	r.MarkFailed("j1", "boom", now)

	events, cancel, ok := r.Subscribe("j1")
	if !ok {
		t.Fatal("Subscribe failed")
	}
	defer cancel()

	ev := <-events
	if ev.Job.Status != StatusFailed || ev.Job.Error != "boom" {
		t.Fatalf("unexpected snapshot: %+v", ev.Job)
	}
	if _, open := <-events; open {
		t.Fatal("channel still open for terminal job")
	}
}

func TestSubscribeUnknownJob(t *testing.T) {
	r := NewRegistry()
	if _, _, ok := r.Subscribe("nope"); ok {
		t.Fatal("Subscribe succeeded for unknown job")
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	r := NewRegistry()
	now := time.Now().UTC()
	r.Create("j1", testRequest(), "out.pdf", now)

	_, cancel, ok := r.Subscribe("j1")
	if !ok {
		t.Fatal("Subscribe failed")
	}
	cancel()
	cancel()

	// 購読解除後の遷移でパニックしないこと
	r.MarkRunning("j1", now)
}

func TestRemoveDeletesRecordAndClosesSubscribers(t *testing.T) {
	r := NewRegistry()
	now := time.Now().UTC()
	r.Create("j1", testRequest(), "out.pdf", now)

	events, cancel, ok := r.Subscribe("j1")
	if !ok {
		t.Fatal("Subscribe failed")
	}
	defer cancel()
	<-events // 初回スナップショット

	r.Remove("j1")
	if _, ok := r.Get("j1"); ok {
		t.Fatal("removed job still queryable")
	}
	if _, open := <-events; open {
		t.Fatal("channel still open after Remove")
	}

	// 存在しないIDの Remove は何もしない
	r.Remove("j1")
}

func TestEvictSendsGoneEvent(t *testing.T) {
	r := NewRegistry()
	base := time.Now().UTC()
	r.Create("old", testRequest(), "old.pdf", base.Add(-48*time.Hour))
	r.Create("fresh", testRequest(), "fresh.pdf", base)

	events, cancel, ok := r.Subscribe("old")
	if !ok {
		t.Fatal("Subscribe failed")
	}
	defer cancel()
	<-events // 初回スナップショット

	evicted := r.Evict(base.Add(-24 * time.Hour))
	if len(evicted) != 1 || evicted[0].ID != "old" {
		t.Fatalf("unexpected evicted: %+v", evicted)
	}

	ev, open := <-events
	if !open || !ev.Gone {
		t.Fatalf("expected gone event, got %+v open=%v", ev, open)
	}
	if _, open := <-events; open {
		t.Fatal("channel still open after eviction")
	}

	if _, ok := r.Get("old"); ok {
		t.Fatal("evicted job still queryable")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Fatal("fresh job evicted")
	}
}

func TestEvictUsesFinishedAt(t *testing.T) {
	r := NewRegistry()
	base := time.Now().UTC()

	// 作成は古いが終了は新しいジョブは残る
	r.Create("j1", testRequest(), "out.pdf", base.Add(-48*time.Hour))
	r.MarkRunning("j1", base.Add(-48*time.Hour))
	r.MarkDone("j1", base)

	if evicted := r.Evict(base.Add(-24 * time.Hour)); len(evicted) != 0 {
		t.Fatalf("job evicted despite recent finish: %+v", evicted)
	}
}
