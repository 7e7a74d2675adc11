package rabbitmq

import (
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

// ErrMalformedResponse reports a /queues body that is not a JSON array.
var ErrMalformedResponse = errors.New("rabbitmq: malformed queues response")

// Field names read from each /api/queues entry.
const (
	fieldVhost                  = "vhost"
	fieldName                   = "name"
	fieldMessages               = "messages"
	fieldMessagesReady          = "messages_ready"
	fieldMessagesUnacknowledged = "messages_unacknowledged"
)

// QueueSample is the per-queue depth snapshot returned by the management API.
type QueueSample struct {
	Vhost                  string
	Name                   string
	Messages               uint64
	MessagesReady          uint64
	MessagesUnacknowledged uint64
}

// ParseQueues decodes a /queues response body. Absent or non-numeric counters
// read as zero; entries that are not objects or carry no queue name are skipped.
func ParseQueues(body []byte) ([]QueueSample, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedResponse)
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: expected array, got %s", ErrMalformedResponse, root.Type)
	}

	entries := root.Array()
	samples := make([]QueueSample, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsObject() {
			continue
		}
		name := entry.Get(fieldName)
		if name.Type != gjson.String || name.Str == "" {
			continue
		}
		samples = append(samples, QueueSample{
			Vhost:                  entry.Get(fieldVhost).String(),
			Name:                   name.Str,
			Messages:               counter(entry.Get(fieldMessages)),
			MessagesReady:          counter(entry.Get(fieldMessagesReady)),
			MessagesUnacknowledged: counter(entry.Get(fieldMessagesUnacknowledged)),
		})
	}
	return samples, nil
}

func counter(v gjson.Result) uint64 {
	if v.Type != gjson.Number {
		return 0
	}
	f := v.Float()
	if f <= 0 || math.IsNaN(f) {
		return 0
	}
	if f >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(f)
}
