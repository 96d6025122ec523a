package handler

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	objectBusinessAccount = "whatsapp_business_account"
	fieldMessages         = "messages"
)

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

func (e envelope) supported() bool {
	return e.Object == objectBusinessAccount
}

// decodeEnvelope parses the top-level webhook body. Invalid JSON and fields of
// the wrong JSON type are errors. A missing or foreign object is not: the
// caller acknowledges and ignores it. A business account envelope must carry
// an entry list, every entry a changes list and every change a field.
func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("handler: decode envelope: %w", err)
	}
	if !env.supported() {
		return env, nil
	}
	if env.Entry == nil {
		return envelope{}, errors.New("handler: decode envelope: entry is required")
	}
	for i, e := range env.Entry {
		if e.Changes == nil {
			return envelope{}, fmt.Errorf("handler: decode envelope: entry %d: changes is required", i)
		}
		for j, c := range e.Changes {
			if c.Field == "" {
				return envelope{}, fmt.Errorf("handler: decode envelope: entry %d change %d: field is required", i, j)
			}
		}
	}
	return env, nil
}
