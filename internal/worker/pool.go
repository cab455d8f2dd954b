package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnPool starts the persistent processing goroutines. They exit when the
// tasks channel closes, after draining whatever the poll loop dispatched.
func (w *Worker) spawnPool() {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		name := fmt.Sprintf("%s-%d", w.workerID, i)
		go w.poolLoop(name)
	}
}

func (w *Worker) poolLoop(name string) {
	defer w.wg.Done()

	// Processing keeps its own context: a canceled poll context must not
	// abort a message that is already mid-flight.
	ctx := context.Background()

	for t := range w.tasks {
		w.handleMessage(ctx, name, t.msg)
		t.wg.Done()
	}
	w.logger.Debug("Pool goroutine exiting", slog.String("pool_worker", name))
}
