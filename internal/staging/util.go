package staging

import (
	"encoding/json"

	"github.com/google/uuid"
)

func unmarshalInto(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}

func newID() string {
	return uuid.New().String()
}
