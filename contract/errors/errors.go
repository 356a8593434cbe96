package errors

// Error codes for the bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeUnrecognizedMessage     = "messagebus.unrecognized_message"
	ErrCodeUnregisteredCommandType = "messagebus.unregistered_command_type"
	ErrCodeUnregisteredEventType   = "messagebus.unregistered_event_type"
	ErrCodeHandlerFailure          = "messagebus.handler_failure"
	ErrCodeHandlerExists           = "messagebus.handler_exists"
	ErrCodeHandlerInvalid          = "messagebus.handler_invalid"
	ErrCodeHandlerTypeMismatch     = "messagebus.handler_type_mismatch"
	ErrCodePublishFailed           = "messagebus.publish_failed"
	ErrCodeSerializationFailed     = "messagebus.serialization_failed"
	ErrCodePublisherNotConfigured  = "messagebus.publisher_not_configured"
	ErrCodeInvalidConfig           = "messagebus.invalid_config"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrUnrecognizedMessage     = Code(ErrCodeUnrecognizedMessage)
	ErrUnregisteredCommandType = Code(ErrCodeUnregisteredCommandType)
	ErrUnregisteredEventType   = Code(ErrCodeUnregisteredEventType)
	ErrHandlerFailure          = Code(ErrCodeHandlerFailure)
	ErrHandlerExists           = Code(ErrCodeHandlerExists)
	ErrHandlerInvalid          = Code(ErrCodeHandlerInvalid)
	ErrHandlerTypeMismatch     = Code(ErrCodeHandlerTypeMismatch)
	ErrPublishFailed           = Code(ErrCodePublishFailed)
	ErrSerializationFailed     = Code(ErrCodeSerializationFailed)
	ErrPublisherNotConfigured  = Code(ErrCodePublisherNotConfigured)
	ErrInvalidConfig           = Code(ErrCodeInvalidConfig)
)
