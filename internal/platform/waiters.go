package platform

import "sync"

////////////////////////////////////////////////////////////////////////////////
// Wait hub for API: wait for the finalized run by run_id
////////////////////////////////////////////////////////////////////////////////

type waiterHub struct {
	mu      sync.Mutex
	waiters map[string][]chan PipelineRun
}

func newWaiterHub() *waiterHub {
	return &waiterHub{
		mu:      sync.Mutex{},
		waiters: map[string][]chan PipelineRun{},
	}
}

// register returns a channel that receives the run once it is finalized and a
// func that releases it.
func (h *waiterHub) register(runID string) (<-chan PipelineRun, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan PipelineRun, 1)
	h.waiters[runID] = append(h.waiters[runID], ch)
	return ch, func() { h.unregister(runID, ch) }
}

func (h *waiterHub) unregister(runID string, ch chan PipelineRun) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.waiters[runID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.waiters, runID)
		return
	}
	h.waiters[runID] = list
}

func (h *waiterHub) deliver(run PipelineRun) {
	h.mu.Lock()
	list := append([]chan PipelineRun(nil), h.waiters[run.ID]...)
	h.mu.Unlock()
	for _, ch := range list {
		select {
		case ch <- run:
		default:
		}
	}
}
