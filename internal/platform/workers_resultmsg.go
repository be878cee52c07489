package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func skipStageResult(msg RunStageMsg, stage string) StageResultMsg {
	res := newStageResultMsg("skipped due to upstream error")
	res.RunID = msg.RunID
	res.AppID = msg.AppID
	res.Spec = msg.Spec
	res.Trigger = msg.Trigger
	res.Commit = msg.Commit
	res.Images = msg.Images
	res.ManifestCommit = msg.ManifestCommit
	res.Worker = stage
	res.Stage = stage
	res.Err = msg.Err
	res.At = time.Now().UTC()
	return res
}

// finalizeStageResult carries the upstream fields forward so the result can be
// decoded as the next stage's input.
func finalizeStageResult(msg RunStageMsg, stage string, res StageResultMsg) StageResultMsg {
	res.Worker = stage
	res.Stage = stage
	res.RunID = msg.RunID
	res.AppID = msg.AppID
	res.Spec = msg.Spec
	res.Trigger = msg.Trigger
	if res.Commit == "" {
		res.Commit = msg.Commit
	}
	if len(msg.Images) > 0 {
		merged := make(map[string]string, len(msg.Images)+len(res.Images))
		for tier, ref := range msg.Images {
			merged[tier] = ref
		}
		for tier, ref := range res.Images {
			merged[tier] = ref
		}
		res.Images = merged
	}
	if res.ManifestCommit == "" {
		res.ManifestCommit = msg.ManifestCommit
	}
	if res.Err == "" {
		res.Err = msg.Err
	}
	res.At = time.Now().UTC()
	return res
}

func publishStageResult(
	ctx context.Context,
	js jetstream.JetStream,
	subject string,
	res StageResultMsg,
) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = js.Publish(ctx, subject, body, jetstream.WithMsgID(stageResultMessageID(subject, res)))
	return err
}

func publishRunStart(ctx context.Context, js jetstream.JetStream, msg RunStageMsg) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = js.Publish(
		ctx,
		subjectRunStart,
		body,
		jetstream.WithMsgID("run-start:"+sanitizeMessageIDComponent(msg.RunID)),
	)
	return err
}

func publishWorkerPoison(
	ctx context.Context,
	js jetstream.JetStream,
	msg WorkerPoisonMsg,
) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = js.Publish(
		ctx,
		subjectWorkerPoison,
		body,
		jetstream.WithMsgID(workerPoisonMessageID(msg)),
	)
	return err
}

func stageResultMessageID(subject string, res StageResultMsg) string {
	return fmt.Sprintf(
		"stage-result:%s:%s:%s",
		sanitizeMessageIDComponent(subject),
		sanitizeMessageIDComponent(res.RunID),
		sanitizeMessageIDComponent(res.Worker),
	)
}

func workerPoisonMessageID(msg WorkerPoisonMsg) string {
	return fmt.Sprintf(
		"worker-poison:%s:%s:%s:%d",
		sanitizeMessageIDComponent(msg.Worker),
		sanitizeMessageIDComponent(msg.SubjectIn),
		sanitizeMessageIDComponent(msg.RunID),
		msg.Attempt,
	)
}

func sanitizeMessageIDComponent(in string) string {
	in = strings.TrimSpace(in)
	in = strings.ReplaceAll(in, ":", "_")
	in = strings.ReplaceAll(in, " ", "_")
	if in == "" {
		return "none"
	}
	return in
}
