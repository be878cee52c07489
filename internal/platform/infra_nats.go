package platform

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Infrastructure: Embedded NATS + JetStream work stream + KV
////////////////////////////////////////////////////////////////////////////////

func ensureKVBucket(
	ctx context.Context,
	js jetstream.JetStream,
	bucket string,
	history uint8,
) (jetstream.KeyValue, error) {
	var cfg jetstream.KeyValueConfig
	cfg.Bucket = bucket
	cfg.History = history

	kv, err := js.CreateKeyValue(ctx, cfg)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketExists) {
		return nil, fmt.Errorf("create kv bucket %s: %w", bucket, err)
	}
	existing, getErr := js.KeyValue(ctx, bucket)
	if getErr != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, getErr)
	}
	return existing, nil
}

func ensureWorkerDeliveryStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       workStreamName,
		Subjects:   []string{subjectWildcard},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     workerDeliveryStreamMaxAge,
		MaxMsgs:    workerDeliveryStreamMaxMsgs,
		MaxBytes:   workerDeliveryStreamMaxBytes,
		Duplicates: workerDeliveryDuplicates,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", workStreamName, err)
	}
	return nil
}

// startEmbeddedNATS returns the server, its client URL, the JetStream store dir
// and whether that dir is a temp dir the caller must remove.
func startEmbeddedNATS(res natsStoreDirResolution) (*server.Server, string, string, bool, error) {
	storeDir := res.storeDir
	isTemp := false
	if res.isEphemeral {
		tmp, err := os.MkdirTemp("", "pipeline-nats-*")
		if err != nil {
			return nil, "", "", false, err
		}
		storeDir = tmp
		isTemp = true
	} else if err := os.MkdirAll(storeDir, dirModePrivateRead); err != nil {
		return nil, "", "", false, err
	}
	cleanup := func() {
		if isTemp {
			_ = os.RemoveAll(storeDir)
		}
	}

	var opts server.Options
	opts.ServerName = "embedded-pipeline"
	opts.Host = "127.0.0.1"
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = storeDir
	opts.NoSigs = true

	ns, err := server.NewServer(&opts)
	if err != nil {
		cleanup()
		return nil, "", "", false, err
	}
	ns.Start()
	if !ns.ReadyForConnections(defaultStartupWait) {
		ns.Shutdown()
		ns.WaitForShutdown()
		cleanup()
		return nil, "", "", false, errors.New("nats not ready")
	}
	return ns, ns.ClientURL(), storeDir, isTemp, nil
}
