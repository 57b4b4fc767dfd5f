package jobs

import "sync"

// fifo はジョブIDの容量無制限キューです。
// push は決してブロックしないため、投入APIはレンダリング完了を待ちません。
// Goのチャネルは容量固定のため、スライスと sync.Cond で実装しています。
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

func newFIFO() *fifo {
	q := &fifo{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push はジョブIDを末尾に追加します。クローズ後は追加せず false を返し、
// 呼び出し側が登録済みレコードを巻き戻せるようにします。
func (q *fifo) push(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, id)
	q.cond.Signal()
	return true
}

// pop は先頭のジョブIDを取り出します。キューが空の間はブロックします。
// クローズ後は残りの要素があっても (_, false) を返し、ワーカーを終了させます。
func (q *fifo) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.items) == 0 {
		q.cond.Wait()
	}
	if q.closed {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

// close は新規の取り出しを停止し、待機中のワーカーを全て起こします。
func (q *fifo) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
