package pipeline

// Stage is a step of the request state machine. Stages are entered strictly
// in order; a failure moves the request to the errored state.
type Stage int

const (
	StageReceivedRaw Stage = iota
	StageTypeValidated
	StageSizeValidated
	StageNormalized
	StageInferred
	StageAssembled
	StageResponded
)

func (s Stage) String() string {
	switch s {
	case StageReceivedRaw:
		return "received_raw"
	case StageTypeValidated:
		return "type_validated"
	case StageSizeValidated:
		return "size_validated"
	case StageNormalized:
		return "normalized"
	case StageInferred:
		return "inferred"
	case StageAssembled:
		return "assembled"
	case StageResponded:
		return "responded"
	default:
		return "unknown"
	}
}

func (s Stage) next() Stage {
	if s >= StageResponded {
		return StageResponded
	}
	return s + 1
}
