package platform

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// startWorker binds one durable consumer (named after the stage) to its input
// subject, does the work, and publishes a result for the next stage.
func startWorker(ctx context.Context, def stageDef, natsURL string, deps workerDeps) error {
	workerLog := appLoggerForProcess().Source(def.stage)
	ready := make(chan error, 1)
	go runWorkerLoop(ctx, def, natsURL, deps, workerLog, ready)
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runWorkerLoop(
	ctx context.Context,
	def stageDef,
	natsURL string,
	deps workerDeps,
	workerLog sourceLogger,
	ready chan<- error,
) {
	nc, err := nats.Connect(natsURL, nats.Name(def.stage))
	if err != nil {
		ready <- err
		workerLog.Errorf("connect error: %v", err)
		return
	}
	defer func() {
		if drainErr := nc.Drain(); drainErr != nil {
			workerLog.Warnf("drain error: %v", drainErr)
		}
	}()

	js, err := jetstream.New(nc)
	if err != nil {
		ready <- err
		workerLog.Errorf("jetstream error: %v", err)
		return
	}
	store, err := newStore(ctx, js)
	if err != nil {
		ready <- err
		workerLog.Errorf("store error: %v", err)
		return
	}
	store.setRunEvents(deps.events)
	deps.store = store

	consumer, err := js.CreateOrUpdateConsumer(ctx, workStreamName, workerConsumerConfig(def.stage, def.subjectIn))
	if err != nil {
		ready <- err
		workerLog.Errorf("consumer error: %v", err)
		return
	}
	consumeCtx, err := consumer.Consume(func(m jetstream.Msg) {
		handleWorkerMessage(ctx, def, deps, js, m, workerLog)
	})
	if err != nil {
		ready <- err
		workerLog.Errorf("consume error: %v", err)
		return
	}
	defer consumeCtx.Stop()

	workerLog.Infof("ready: consume=%s publish=%s", def.subjectIn, def.subjectOut)
	ready <- nil
	<-ctx.Done()
}

func workerConsumerConfig(durable, subject string) jetstream.ConsumerConfig {
	var cfg jetstream.ConsumerConfig
	cfg.Durable = durable
	cfg.FilterSubject = subject
	cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	cfg.AckPolicy = jetstream.AckExplicitPolicy
	cfg.AckWait = workerDeliveryAckWait
	cfg.MaxDeliver = workerDeliveryMaxDeliver
	cfg.MaxAckPending = 1
	return cfg
}

func handleWorkerMessage(
	ctx context.Context,
	def stageDef,
	deps workerDeps,
	js jetstream.JetStream,
	m jetstream.Msg,
	workerLog sourceLogger,
) {
	attempt := deliveryAttempt(m)
	var in RunStageMsg
	if err := json.Unmarshal(m.Data(), &in); err != nil {
		workerLog.Warnf("discarding invalid message on %s: %v", def.subjectIn, err)
		terminateToPoison(ctx, js, def, m, in.RunID, attempt, "invalid payload: "+err.Error(), workerLog)
		return
	}

	run, err := deps.store.GetRun(ctx, in.RunID)
	switch {
	case errors.Is(err, ErrRunNotFound):
		workerLog.Warnf("run=%s not found; dropping", in.RunID)
		_ = m.Term()
		return
	case err != nil:
		workerLog.Warnf("run=%s lookup failed: %v", in.RunID, err)
		retryOrPoison(ctx, js, def, m, in.RunID, attempt, err, workerLog)
		return
	case run.terminal() && !run.Finished.IsZero():
		workerLog.Debugf("run=%s already finalized as %s; ack", in.RunID, run.Status)
		_ = m.Ack()
		return
	}

	var res StageResultMsg
	if in.Err != "" {
		workerLog.Warnf("skip run=%s due to upstream error: %s", in.RunID, in.Err)
		if skipErr := markStageSkipped(ctx, deps.store, in.RunID, def.stage, in.Err); skipErr != nil {
			workerLog.Warnf("record skip run=%s: %v", in.RunID, skipErr)
		}
		res = skipStageResult(in, def.stage)
	} else {
		res = runStageAction(ctx, def, deps, in, m, workerLog)
	}

	if err := publishStageResult(ctx, js, def.subjectOut, res); err != nil {
		workerLog.Errorf("publish result failed run=%s subject=%s: %v", in.RunID, def.subjectOut, err)
		retryOrPoison(ctx, js, def, m, in.RunID, attempt, err, workerLog)
		return
	}
	if err := m.Ack(); err != nil {
		workerLog.Warnf("ack run=%s: %v", in.RunID, err)
	}
}

// runStageAction records the stage on the run, runs the action under the
// stage timeout while keeping the delivery alive, and returns the result to
// publish.
func runStageAction(
	ctx context.Context,
	def stageDef,
	deps workerDeps,
	in RunStageMsg,
	m jetstream.Msg,
	workerLog sourceLogger,
) StageResultMsg {
	started := time.Now().UTC()
	if err := markStageStart(ctx, deps.store, in.RunID, def.stage, def.tool, started, def.startMessage); err != nil {
		workerLog.Warnf("record stage start run=%s: %v", in.RunID, err)
	}
	workerLog.Infof("start run=%s app=%s commit=%s", in.RunID, in.AppID, shortCommit(in.Commit))

	stopHeartbeat := startDeliveryHeartbeat(ctx, m)
	actionCtx, cancel := context.WithTimeout(ctx, def.timeout)
	res, actionErr := def.fn(actionCtx, deps, in)
	cancel()
	stopHeartbeat()

	if actionErr != nil {
		res.Err = actionErr.Error()
		workerLog.Errorf("run=%s failed: %v", in.RunID, actionErr)
		deps.metrics.observeGateFailure(def.stage, actionErr)
	} else {
		workerLog.Infof("done run=%s message=%q artifacts=%d", in.RunID, res.Message, len(res.Artifacts))
	}
	res = finalizeStageResult(in, def.stage, res)
	ended := time.Now().UTC()
	if _, err := markStageEnd(ctx, deps.store, in.RunID, def.stage, ended, res); err != nil {
		workerLog.Warnf("record stage end run=%s: %v", in.RunID, err)
	}
	deps.metrics.observeStage(def.stage, res.Err == "", ended.Sub(started))
	return res
}

// startDeliveryHeartbeat extends the ack deadline while a long action runs.
func startDeliveryHeartbeat(ctx context.Context, m jetstream.Msg) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(workerDeliveryAckWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_ = m.InProgress()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func deliveryAttempt(m jetstream.Msg) uint64 {
	meta, err := m.Metadata()
	if err != nil || meta == nil || meta.NumDelivered == 0 {
		return 1
	}
	return meta.NumDelivered
}

// retryOrPoison naks with backoff until the last delivery, then moves the
// message to the poison subject.
func retryOrPoison(
	ctx context.Context,
	js jetstream.JetStream,
	def stageDef,
	m jetstream.Msg,
	runID string,
	attempt uint64,
	cause error,
	workerLog sourceLogger,
) {
	if attempt >= uint64(workerDeliveryMaxDeliver) {
		terminateToPoison(ctx, js, def, m, runID, attempt, cause.Error(), workerLog)
		return
	}
	if err := m.NakWithDelay(workerRetryDelay(attempt)); err != nil {
		workerLog.Warnf("nak run=%s: %v", runID, err)
	}
}

func workerRetryDelay(attempt uint64) time.Duration {
	backoff := workerDeliveryRetryBackoff()
	idx := int(attempt) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	return backoff[idx]
}

func terminateToPoison(
	ctx context.Context,
	js jetstream.JetStream,
	def stageDef,
	m jetstream.Msg,
	runID string,
	attempt uint64,
	reason string,
	workerLog sourceLogger,
) {
	poison := WorkerPoisonMsg{
		Worker:    def.stage,
		SubjectIn: def.subjectIn,
		RunID:     runID,
		Attempt:   attempt,
		Reason:    reason,
		Payload:   m.Data(),
		At:        time.Now().UTC(),
	}
	if err := publishWorkerPoison(ctx, js, poison); err != nil {
		workerLog.Errorf("publish poison run=%s: %v", runID, err)
	}
	if err := m.TermWithReason(reason); err != nil {
		workerLog.Warnf("term run=%s: %v", runID, err)
	}
}
