package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/sirupsen/logrus"

	"github.com/loghose/loghose/batcher"
	"github.com/loghose/loghose/config"
	"github.com/loghose/loghose/encoder"
	"github.com/loghose/loghose/relay"
	"github.com/loghose/loghose/sink"
	"github.com/loghose/loghose/source"
	"github.com/loghose/loghose/transformer"
)

func main() {
	configPath := flag.String("config", "", "optional path to a YAML config file; environment overrides it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logrus.SetLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("load aws config")
	}

	bcfg := batcher.DefaultConfig
	bcfg.FlushInterval = cfg.FlushInterval

	var src source.Sourcer
	switch cfg.Source {
	case config.SourceKinesis:
		kcfg := source.DefaultKinesisConfig
		if cfg.Kinesis.StartPosition != "" {
			kcfg.StartPosition = cfg.Kinesis.StartPosition
		}
		ks, err := source.NewKinesisWithConfig(ctx, kinesis.NewFromConfig(awsCfg), cfg.Kinesis.StreamName, kcfg)
		if err != nil {
			logrus.WithError(err).Fatal("open kinesis source")
		}
		defer ks.Close()
		src = ks
	case config.SourceSQS:
		qs := source.NewSQS(ctx, sqs.NewFromConfig(awsCfg), cfg.SQS.QueueURL)
		defer qs.Close()
		src = qs
	}

	snk := sink.NewFirehose(firehose.NewFromConfig(awsCfg), cfg.DeliveryStreamName)

	rcfg := relay.DefaultConfig
	rcfg.Batcher = bcfg
	rcfg.MaxAttempts = cfg.MaxAttempts

	r, err := relay.New(rcfg, src, transformer.LogEvents{}, encoder.JSON[transformer.Document]{}, snk)
	if err != nil {
		logrus.WithError(err).Fatal("build relay")
	}

	if cfg.DeadLetter.Bucket != "" {
		r.SetDeadLetter(sink.NewDeadLetterS3(s3.NewFromConfig(awsCfg), cfg.DeadLetter.Bucket, cfg.DeadLetter.Prefix))
	}
	if cfg.Source == config.SourceSQS {
		r.EnableLease(120, 0)
	}

	logrus.WithFields(logrus.Fields{
		"source":          cfg.Source,
		"delivery_stream": cfg.DeliveryStreamName,
	}).Info("relay started")

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("relay stopped")
	}
	logrus.Info("relay stopped")
}
