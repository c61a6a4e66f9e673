package notes

import "fmt"

// EmbedEvent drives the embedding status machine.
type EmbedEvent string

// Events applied to a note's embed status.
const (
	// EmbedEventStart claims an eligible note for processing.
	EmbedEventStart EmbedEvent = "start"
	// EmbedEventSucceed records a stored vector.
	EmbedEventSucceed EmbedEvent = "succeed"
	// EmbedEventFail records a provider failure.
	EmbedEventFail EmbedEvent = "fail"
	// EmbedEventEdit marks previously computed output outdated.
	EmbedEventEdit EmbedEvent = "edit"
	// EmbedEventRecover resets a note stranded mid-processing by a crash.
	EmbedEventRecover EmbedEvent = "recover"
	// EmbedEventRequeue is the operator reset for parked notes.
	EmbedEventRequeue EmbedEvent = "requeue"
)

// EnrichEvent drives the enrichment status machine.
type EnrichEvent string

// Events applied to a note's enrich status.
const (
	EnrichEventStart   EnrichEvent = "start"
	EnrichEventSucceed EnrichEvent = "succeed"
	EnrichEventFail    EnrichEvent = "fail"
	EnrichEventEdit    EnrichEvent = "edit"
	EnrichEventRecover EnrichEvent = "recover"
	EnrichEventRequeue EnrichEvent = "requeue"
)

// NextEmbedStatus is the pure transition function for the embed machine. It
// performs no I/O; callers persist the result. Transitions not listed are
// rejected so an out-of-order event cannot silently corrupt a note.
func NextEmbedStatus(status EmbedStatus, event EmbedEvent) (EmbedStatus, error) {
	switch event {
	case EmbedEventStart:
		switch status {
		case EmbedPending, EmbedStale, EmbedFailed:
			return EmbedProcessing, nil
		}
	case EmbedEventSucceed:
		if status == EmbedProcessing {
			return EmbedCompleted, nil
		}
	case EmbedEventFail:
		if status == EmbedProcessing {
			return EmbedFailed, nil
		}
	case EmbedEventEdit:
		if status == EmbedCompleted {
			return EmbedStale, nil
		}
		return EmbedPending, nil
	case EmbedEventRecover:
		if status == EmbedProcessing {
			return EmbedPending, nil
		}
	case EmbedEventRequeue:
		return EmbedPending, nil
	default:
		return status, fmt.Errorf("unknown embed event %q", event)
	}
	return status, fmt.Errorf("embed event %q invalid in status %q", event, status)
}

// NextEnrichStatus is the pure transition function for the enrich machine.
// Unlike embedding, recovery also resets Pending notes: enrichment has no
// partial-write side effects to protect.
func NextEnrichStatus(status EnrichStatus, event EnrichEvent) (EnrichStatus, error) {
	switch event {
	case EnrichEventStart:
		switch status {
		case EnrichPending, EnrichFailed:
			return EnrichProcessing, nil
		}
	case EnrichEventSucceed:
		if status == EnrichProcessing {
			return EnrichCompleted, nil
		}
	case EnrichEventFail:
		if status == EnrichProcessing {
			return EnrichFailed, nil
		}
	case EnrichEventEdit:
		return EnrichPending, nil
	case EnrichEventRecover:
		switch status {
		case EnrichProcessing, EnrichPending:
			return EnrichPending, nil
		}
	case EnrichEventRequeue:
		return EnrichPending, nil
	default:
		return status, fmt.Errorf("unknown enrich event %q", event)
	}
	return status, fmt.Errorf("enrich event %q invalid in status %q", event, status)
}
