package exchange

// InternalProperty identifies a property owned by the runtime rather than by
// user code. Internal properties live in their own map and are cleared
// together with user properties when a pooled exchange is reset.
type InternalProperty int

const (
	// PropertyEmptyPoll marks an exchange synthesized because a poll returned
	// no messages and the consumer is configured to send an empty message.
	PropertyEmptyPoll InternalProperty = iota + 1

	// PropertyBatchIndex is the zero-based position of the exchange in its poll batch.
	PropertyBatchIndex

	// PropertyBatchSize is the number of messages fetched in the poll batch.
	PropertyBatchSize

	// PropertyBatchComplete is true for the last exchange of a poll batch.
	PropertyBatchComplete

	// PropertyRedeliveryCounter carries the broker-reported delivery attempt.
	PropertyRedeliveryCounter

	// PropertyFailureHandled is true when an error handler dealt with the failure.
	PropertyFailureHandled

	// PropertyConsumer is the name of the consumer that created the exchange.
	PropertyConsumer
)

var internalPropertyNames = map[InternalProperty]string{
	PropertyEmptyPoll:         "EmptyPoll",
	PropertyBatchIndex:        "BatchIndex",
	PropertyBatchSize:         "BatchSize",
	PropertyBatchComplete:     "BatchComplete",
	PropertyRedeliveryCounter: "RedeliveryCounter",
	PropertyFailureHandled:    "FailureHandled",
	PropertyConsumer:          "Consumer",
}

// String implements fmt.Stringer.
func (p InternalProperty) String() string {
	if name, ok := internalPropertyNames[p]; ok {
		return name
	}
	return "Unknown"
}
