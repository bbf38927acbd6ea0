package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aquaops/aquaops/pkg/condition"
	"github.com/aquaops/aquaops/pkg/engine"
)

// Sink receives decoded readings.
type Sink interface {
	IngestBatch(ctx context.Context, readings []engine.Reading) (*condition.BatchReport, error)
}

// DecodeReadings parses a JSON payload holding either one reading object or
// an array of them. Readings must identify a tag by tag_id or by asset_id
// and parameter.
func DecodeReadings(payload []byte) ([]engine.Reading, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "empty reading payload")
	}

	var readings []engine.Reading
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &readings); err != nil {
			return nil, engine.NewValidationError(engine.ErrCodeValidation, fmt.Sprintf("invalid reading payload: %v", err))
		}
	} else {
		var r engine.Reading
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, engine.NewValidationError(engine.ErrCodeValidation, fmt.Sprintf("invalid reading payload: %v", err))
		}
		readings = []engine.Reading{r}
	}

	for i, r := range readings {
		if r.TagID == "" && (r.AssetID == "" || r.Parameter == "") {
			return nil, engine.NewValidationError(engine.ErrCodeValidation,
				fmt.Sprintf("reading %d has neither a tag_id nor an asset_id and parameter", i))
		}
	}
	return readings, nil
}
