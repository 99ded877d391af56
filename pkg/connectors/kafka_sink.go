package connectors

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sandboxws/regfilter/pkg/operator"
)

// Row encodings accepted by KafkaSink.
const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

// KafkaSink publishes every selected row as one Kafka record. Rows are
// encoded as JSON objects or as google.protobuf.Struct messages.
type KafkaSink struct {
	topic            string
	bootstrapServers []string
	format           string
	keyBy            []string
	client           *kgo.Client
	ctx              context.Context
}

// NewKafkaSink creates a Kafka sink connector. keyBy names the columns
// whose values form the record key.
func NewKafkaSink(topic string, bootstrapServers []string, format string, keyBy []string) (*KafkaSink, error) {
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatProto:
	default:
		return nil, fmt.Errorf("kafka sink: unknown format %q", format)
	}
	return &KafkaSink{
		topic:            topic,
		bootstrapServers: bootstrapServers,
		format:           format,
		keyBy:            keyBy,
	}, nil
}

func (k *KafkaSink) Open(ctx *operator.Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.bootstrapServers...),
		kgo.DefaultProduceTopic(k.topic),
	)
	if err != nil {
		return fmt.Errorf("kafka sink: create client: %w", err)
	}
	k.client = client
	k.ctx = context.Background()
	if ctx != nil && ctx.Ctx != nil {
		k.ctx = ctx.Ctx
	}
	return nil
}

func (k *KafkaSink) WriteBatch(batch arrow.Record) error {
	records, err := k.encode(batch)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(k.ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("kafka sink: produce to %s: %w", k.topic, err)
	}
	return nil
}

// encode converts each row of batch into a Kafka record.
func (k *KafkaSink) encode(batch arrow.Record) ([]*kgo.Record, error) {
	out := make([]*kgo.Record, 0, batch.NumRows())
	for row := 0; row < int(batch.NumRows()); row++ {
		record := rowMap(batch, row)
		value, err := k.marshal(record)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: marshal row %d: %w", row, err)
		}

		rec := &kgo.Record{Value: value}
		if len(k.keyBy) > 0 {
			keyParts := make(map[string]any, len(k.keyBy))
			for _, keyCol := range k.keyBy {
				if v, ok := record[keyCol]; ok {
					keyParts[keyCol] = v
				}
			}
			if rec.Key, err = k.marshal(keyParts); err != nil {
				return nil, fmt.Errorf("kafka sink: marshal key of row %d: %w", row, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (k *KafkaSink) marshal(v map[string]any) ([]byte, error) {
	if k.format == FormatProto {
		s, err := structpb.NewStruct(v)
		if err != nil {
			return nil, err
		}
		return proto.MarshalOptions{Deterministic: true}.Marshal(s)
	}
	return json.Marshal(v)
}

func (k *KafkaSink) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}
