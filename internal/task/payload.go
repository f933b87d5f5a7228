package task

import (
	"encoding/json"
	"fmt"
)

// Payload is the allow-listed view of a task handed to the agent.
type Payload struct {
	TaskID              string         `json:"task_id"`
	CreatedAt           string         `json:"created_at"`
	TickerSymbol        *string        `json:"ticker_symbol"`
	Role                Role           `json:"role"`
	Description         string         `json:"description"`
	TaskDatetime        *string        `json:"task_datetime"`
	TriggerType         TriggerType    `json:"trigger_type"`
	TriggerConfig       map[string]any `json:"trigger_config"`
	RelatedNoteIDs      []string       `json:"related_note_ids"`
	RelatedTaskIDs      []string       `json:"related_task_ids"`
	RelatedWatchlistIDs []string       `json:"related_watchlist_ids"`
}

func NewPayload(t Task) Payload {
	p := Payload{
		TaskID:              t.ID,
		CreatedAt:           FormatTimestamp(t.CreatedAt),
		Role:                t.Role,
		Description:         t.Description,
		TriggerType:         t.Type(),
		TriggerConfig:       ConfigMap(t.Trigger),
		RelatedNoteIDs:      nonNil(t.RelatedNoteIDs),
		RelatedTaskIDs:      nonNil(t.RelatedTaskIDs),
		RelatedWatchlistIDs: nonNil(t.RelatedWatchlistIDs),
	}
	if t.Ticker != "" {
		ticker := t.Ticker
		p.TickerSymbol = &ticker
	}
	if at, ok := t.DueAt(); ok {
		s := FormatTimestamp(at)
		p.TaskDatetime = &s
	}
	return p
}

// Message wraps the payload in the envelope the agent prompt expects.
func (p Payload) Message() (string, error) {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}
	return "<task_triggered>\n" + string(b) + "\n</task_triggered>", nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
