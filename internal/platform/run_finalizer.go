package platform

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Run finalizer: last subject -> terminal run record + waiters
////////////////////////////////////////////////////////////////////////////////

type runFinalizer struct {
	natsURL       string
	events        *runEventHub
	waiters       *waiterHub
	metrics       *pipelineMetrics
	artifacts     ArtifactStore
	keepWorkspace bool
}

func (f *runFinalizer) Start(ctx context.Context) error {
	log := appLoggerForProcess().Source("finalizer")
	nc, err := nats.Connect(f.natsURL, nats.Name(finalizerConsumer))
	if err != nil {
		return err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return err
	}
	store, err := newStore(ctx, js)
	if err != nil {
		nc.Close()
		return err
	}
	store.setRunEvents(f.events)

	consumer, err := js.CreateOrUpdateConsumer(ctx, workStreamName, workerConsumerConfig(finalizerConsumer, subjectManifestDone))
	if err != nil {
		nc.Close()
		return err
	}
	consumeCtx, err := consumer.Consume(func(m jetstream.Msg) {
		f.handle(ctx, store, m, log)
	})
	if err != nil {
		nc.Close()
		return err
	}
	go func() {
		<-ctx.Done()
		consumeCtx.Stop()
		if drainErr := nc.Drain(); drainErr != nil {
			log.Warnf("drain error: %v", drainErr)
		}
	}()
	log.Infof("ready: consume=%s", subjectManifestDone)
	return nil
}

func (f *runFinalizer) handle(ctx context.Context, store *Store, m jetstream.Msg, log sourceLogger) {
	var res StageResultMsg
	if err := json.Unmarshal(m.Data(), &res); err != nil {
		log.Warnf("discarding invalid final message: %v", err)
		_ = m.Term()
		return
	}
	run, changed, err := finalizeRun(ctx, store, res, res.Sync)
	if err != nil {
		log.Errorf("finalize run=%s: %v", res.RunID, err)
		if deliveryAttempt(m) >= uint64(workerDeliveryMaxDeliver) {
			_ = m.Term()
			return
		}
		_ = m.NakWithDelay(workerRetryDelay(deliveryAttempt(m)))
		return
	}
	if changed {
		f.metrics.observeRun(run)
		if !f.keepWorkspace {
			if rmErr := f.artifacts.RemoveWorkspace(run.AppID, run.ID); rmErr != nil {
				log.Warnf("remove workspace run=%s: %v", run.ID, rmErr)
			}
		}
		log.Infof("run=%s app=%s finished status=%s", run.ID, run.AppID, run.Status)
	}
	f.waiters.deliver(run)
	_ = m.Ack()
}
