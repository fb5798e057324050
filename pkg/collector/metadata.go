package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/markus-lassfolk/uomping/pkg"
	"github.com/markus-lassfolk/uomping/pkg/logx"
)

// MetadataSource delivers raw payloads published on a topic. The channel is
// closed when the underlying connection is lost.
type MetadataSource interface {
	Subscribe(topic string) (<-chan []byte, func(), error)
}

// ParseMetadataEvent decodes one metadata payload. The payload is a JSON
// object, optionally preceded by "<topic> " as framed by the publisher.
func ParseMetadataEvent(payload []byte) (map[string]interface{}, error) {
	body := bytes.TrimSpace(payload)
	if len(body) > 0 && body[0] != '{' {
		i := bytes.IndexByte(body, ' ')
		if i < 0 {
			return nil, fmt.Errorf("%w: no JSON body in %q", pkg.ErrParse, truncate(body))
		}
		body = bytes.TrimSpace(body[i+1:])
	}

	var event map[string]interface{}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrParse, err)
	}
	if event == nil {
		return nil, fmt.Errorf("%w: empty event", pkg.ErrParse)
	}
	return event, nil
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}

// MetadataWorker listens for modem metadata events, keeps the ones addressed
// to its interface and publishes the merged snapshot after each of them
type MetadataWorker struct {
	ifname     string
	aliasField string
	topic      string

	source  MetadataSource
	publish func(*pkg.Metadata)
	logger  *logx.Logger

	snapshot *pkg.Metadata
}

// NewMetadataWorker creates a worker for ifname. aliasField is the event key
// naming the interface the event describes.
func NewMetadataWorker(ifname, aliasField, topic string, source MetadataSource,
	publish func(*pkg.Metadata), logger *logx.Logger) *MetadataWorker {
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &MetadataWorker{
		ifname:     ifname,
		aliasField: aliasField,
		topic:      topic,
		source:     source,
		publish:    publish,
		logger:     logger.With("interface", ifname),
	}
}

// Run consumes events until ctx is cancelled (nil) or the subscription breaks
// (an error wrapping pkg.ErrWorkerCrash)
func (w *MetadataWorker) Run(ctx context.Context) error {
	events, cancel, err := w.source.Subscribe(w.topic)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", pkg.ErrWorkerCrash, w.topic, err)
	}
	defer cancel()

	w.logger.Info("Metadata worker started", "topic", w.topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: metadata subscription closed", pkg.ErrWorkerCrash)
			}
			if ctx.Err() != nil {
				return nil
			}
			w.handle(payload)
		}
	}
}

func (w *MetadataWorker) handle(payload []byte) {
	event, err := ParseMetadataEvent(payload)
	if err != nil {
		w.logger.Debug("Dropping metadata event", "error", err)
		return
	}

	target, ok := event[w.aliasField].(string)
	if !ok || target != w.ifname {
		return
	}

	w.snapshot = w.snapshot.Merge(event)
	w.publish(w.snapshot)
	w.logger.LogDebugVerbose("metadata_updated", w.snapshot.Fields())
}
