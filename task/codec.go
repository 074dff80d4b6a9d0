package task

import (
	"encoding/json"
	"fmt"
)

// New returns an empty descriptor of the given type with its envelope type set.
func New(typ Type) (Task, error) {
	var t Task
	switch typ {
	case TypePreTest:
		t = &PreTestTask{}
	case TypeAnalyseBatch:
		t = &AnalyseBatchTask{}
	case TypeSynthesis:
		t = &SynthesisTask{}
	case TypeReport:
		t = &ReportTask{}
	case TypeReview:
		t = &ReviewTask{}
	case TypeModeration:
		t = &ModerationTask{}
	case TypeOrchestrate:
		t = &OrchestrateTask{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	t.Header().Type = typ
	return t, nil
}

// Marshal encodes a descriptor after validating it.
func Marshal(t Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s task: %w", t.Header().Type, err)
	}
	return data, nil
}

// Unmarshal decodes a descriptor, selecting the variant from its "type" field.
func Unmarshal(data []byte) (Task, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode task envelope: %w", err)
	}

	t, err := New(head.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to decode %s task: %w", head.Type, err)
	}
	return t, nil
}
