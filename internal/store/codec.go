package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/scout-cli/internal/model"
)

func stampEntity(e *model.ExtractedEntity, sessionID string, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.SessionID = sessionID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
}

func stampResult(r *model.ScoredResult) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

func stampWeightEvent(ev *model.WeightUpdateEvent, userID string, now time.Time) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.UserID = userID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
}

func marshalResult(r *model.ScoredResult) (prospect, features, weights []byte, err error) {
	if prospect, err = json.Marshal(r.ProspectSnapshot); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal prospect snapshot")
	}
	if features, err = json.Marshal(r.FeatureVectorSnapshot); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal feature vector")
	}
	if weights, err = json.Marshal(r.WeightVectorSnapshot); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal weight vector")
	}
	return prospect, features, weights, nil
}

func unmarshalResult(r *model.ScoredResult, prospect, features, weights []byte) error {
	if err := json.Unmarshal(prospect, &r.ProspectSnapshot); err != nil {
		return eris.Wrapf(err, "store: unmarshal prospect snapshot %s", r.ID)
	}
	if err := json.Unmarshal(features, &r.FeatureVectorSnapshot); err != nil {
		return eris.Wrapf(err, "store: unmarshal feature vector %s", r.ID)
	}
	if err := json.Unmarshal(weights, &r.WeightVectorSnapshot); err != nil {
		return eris.Wrapf(err, "store: unmarshal weight vector %s", r.ID)
	}
	return nil
}
