package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const noticesStream = "NOTICES"

// EnsureStreams creates (or validates) the stream the pipeline publishes
// event-created notices on: fam.notice.>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(noticesStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      noticesStream,
				Subjects:  []string{"fam.notice.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}

	return nil
}
