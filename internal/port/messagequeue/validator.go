package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectSessionStarted:
		return decode(subject, data, &SessionStartedPayload{})
	case SubjectSessionFinished:
		return decode(subject, data, &SessionFinishedPayload{})
	case SubjectSessionCancel:
		var p SessionCancelPayload
		if err := decode(subject, data, &p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("session_id is required"))
		}
		return nil
	default:
		return nil
	}
}

func decode(subject string, data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
