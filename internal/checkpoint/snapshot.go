package checkpoint

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/models"
)

// Encode serializes v as a snapshot tagged with the writer's schema version.
func Encode(version int, v any) (models.Snapshot, error) {
	if version <= 0 {
		return models.Snapshot{}, apperr.Validation("snapshot schema version must be positive")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "encode snapshot")
	}
	return models.Snapshot{Version: version, Data: data}, nil
}

// Decode fills v from s. An empty snapshot leaves v untouched; a different schema version is rejected.
func Decode(s models.Snapshot, version int, v any) error {
	if s.IsZero() {
		return nil
	}
	if s.Version != version {
		return apperr.Validation("snapshot schema version %d not supported (want %d)", s.Version, version)
	}
	return errors.Wrap(json.Unmarshal(s.Data, v), "decode snapshot")
}
