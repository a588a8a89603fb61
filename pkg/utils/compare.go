package utils

import (
	"slices"

	"github.com/nats-io/nats.go"
)

// StreamConfigEqual reports whether the properties the service manages on a
// JetStream stream match. Fields left to operators (replicas, placement) are ignored.
func StreamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Retention == b.Retention &&
		a.MaxMsgs == b.MaxMsgs &&
		a.MaxAge == b.MaxAge &&
		a.Storage == b.Storage &&
		slices.Equal(a.Subjects, b.Subjects)
}

// ConsumerConfigEqual reports whether two consumer configurations agree on the
// properties that change delivery semantics.
func ConsumerConfigEqual(a, b nats.ConsumerConfig) bool {
	return a.Durable == b.Durable &&
		a.AckPolicy == b.AckPolicy &&
		a.AckWait == b.AckWait &&
		a.FilterSubject == b.FilterSubject &&
		a.MaxDeliver == b.MaxDeliver &&
		a.MaxAckPending == b.MaxAckPending &&
		a.DeliverGroup == b.DeliverGroup
}
