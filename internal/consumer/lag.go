package consumer

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// brokerOffsetsLoader returns a refresher.Loader that polls the broker's
// current high-watermark (end offset) per partition for topics, via
// kadm.Client.ListEndOffsets. This is "the per-partition high-water
// offsets read from the broker" use of BackgroundRefresher[T] named in
// spec.md §4.C.
func brokerOffsetsLoader(client *kgo.Client, topics []string) func(ctx context.Context) (map[partitionOffsetKey]int64, error) {
	adm := kadm.NewClient(client)
	return func(ctx context.Context) (map[partitionOffsetKey]int64, error) {
		resp, err := adm.ListEndOffsets(ctx, topics...)
		if err != nil {
			return nil, fmt.Errorf("list end offsets: %w", err)
		}
		out := make(map[partitionOffsetKey]int64)
		resp.Each(func(lo kadm.ListedOffset) {
			if lo.Err != nil {
				return
			}
			out[partitionOffsetKey{topic: lo.Topic, partition: lo.Partition}] = lo.Offset
		})
		return out, nil
	}
}

type partitionOffsetKey struct {
	topic     string
	partition int32
}
