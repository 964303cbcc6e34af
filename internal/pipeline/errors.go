package pipeline

import (
	"errors"
	"fmt"
)

// ErrPayloadTooLarge is returned by a Request.Body that enforces its own byte
// ceiling. Classify reports it as KindPayloadTooLarge.
var ErrPayloadTooLarge = errors.New("payload too large")

// Kind classifies a failed request. Every error leaving Classify carries one.
type Kind int

const (
	KindInternal Kind = iota
	KindUnsupportedMediaType
	KindPayloadTooLarge
	KindDecode
	KindModelUnavailable
	KindInference
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedMediaType:
		return "unsupported_media_type"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindDecode:
		return "decode_error"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindInference:
		return "inference_error"
	case KindCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// Outcome is the caller-visible class of a result.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeRejectedInput   Outcome = "rejected-input"
	OutcomePayloadTooLarge Outcome = "payload-too-large"
	OutcomeUnavailable     Outcome = "temporarily-unavailable"
	OutcomeInternal        Outcome = "internal-error"
	OutcomeCanceled        Outcome = "canceled"
)

func (k Kind) Outcome() Outcome {
	switch k {
	case KindUnsupportedMediaType, KindDecode:
		return OutcomeRejectedInput
	case KindPayloadTooLarge:
		return OutcomePayloadTooLarge
	case KindModelUnavailable:
		return OutcomeUnavailable
	case KindCanceled:
		return OutcomeCanceled
	default:
		return OutcomeInternal
	}
}

// Error is a classified pipeline failure. Message is safe to show callers;
// Err holds the underlying cause for logs.
type Error struct {
	Kind    Kind
	Stage   Stage
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s entering %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s entering %s", e.Kind, e.Stage)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// OutcomeOf maps err to its outcome; nil is success.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	return KindOf(err).Outcome()
}

const (
	msgUnsupportedMediaType = "Invalid file type. Supported types are: JPEG, PNG, BMP, GIF, TIFF, WEBP."
	msgDecode               = "Image processing failed. The file might be corrupted or not a valid image."
	msgUnreadable           = "The uploaded file could not be read."
	msgModelUnavailable     = "Model is not loaded yet. Please try again later."
	msgInternal             = "An internal server error occurred processing your request."
	msgCanceled             = "Request canceled."
)

func msgTooLarge(limit int64) string {
	return fmt.Sprintf("File is too large. Max limit is %g MB.", float64(limit)/(1024*1024))
}
