package messagequeue

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// Validate checks whether data is valid JSON conforming to the payload
// associated with the given subject. Run-state subjects must carry a run
// that passes run.Validate; unknown subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}
	if !IsRunStateSubject(subject) {
		return nil
	}

	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("schema mismatch on subject %s: %w", subject, err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid run state on subject %s: %w", subject, err)
	}
	return nil
}
