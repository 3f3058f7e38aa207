package store

import (
	"encoding/json"
	"sync"
	"time"
)

// batchWriter serializes writes to a single JSON snapshot file through one
// background goroutine, coalescing requests that arrive within coalesceWindow
// into a single fsync, per the persistence concurrency model (§5): "one
// writer task drains a bounded channel of mutation requests ... fsyncs
// after each batch (coalesces within 50ms)".
//
// Every call to Save blocks until its payload (or a newer one that
// superseded it in the same batch) has been durably written, so mutating
// operations still only return success after persistence completes.
type batchWriter struct {
	path            string
	coalesceWindow  time.Duration
	reqCh           chan saveRequest
	stopCh          chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

type saveRequest struct {
	payload []byte
	done    chan error
}

func newBatchWriter(path string) *batchWriter {
	w := &batchWriter{
		path:           path,
		coalesceWindow: 50 * time.Millisecond,
		reqCh:          make(chan saveRequest, 64),
		stopCh:         make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *batchWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case first, ok := <-w.reqCh:
			if !ok {
				return
			}
			pending := []saveRequest{first}
			timer := time.NewTimer(w.coalesceWindow)
		drain:
			for {
				select {
				case req, ok := <-w.reqCh:
					if !ok {
						break drain
					}
					pending = append(pending, req)
				case <-timer.C:
					break drain
				}
			}
			timer.Stop()
			// Only the latest payload need be written; earlier ones in the
			// same batch are superseded.
			latest := pending[len(pending)-1].payload
			err := writeFileAtomic(w.path, latest)
			for _, req := range pending {
				req.done <- err
			}
		case <-w.stopCh:
			return
		}
	}
}

// Save marshals v to indented JSON, enqueues it and blocks until the batch
// containing it (or a superseding one) has been durably written.
func (w *batchWriter) Save(v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	select {
	case w.reqCh <- saveRequest{payload: payload, done: done}:
	case <-w.stopCh:
		return writeFileAtomic(w.path, payload)
	}
	return <-done
}

func (w *batchWriter) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
