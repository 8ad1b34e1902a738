package model

import (
	"strconv"
	"time"
)

// Registry identifies which on-chain registry emitted an event.
type Registry string

const (
	RegistryIdentity   Registry = "identity"
	RegistryReputation Registry = "reputation"
	RegistryValidation Registry = "validation"
)

func (r Registry) Valid() bool {
	switch r {
	case RegistryIdentity, RegistryReputation, RegistryValidation:
		return true
	}
	return false
}

// Event is an immutable registry event produced by the ingestion side.
// The ID is chain-derived (chain, block, log index) and globally unique.
// All payload fields are pre-validated before insertion; the pipeline never
// re-validates business content, only structural idempotency.
type Event struct {
	ID              string    `json:"id"`
	ChainID         int64     `json:"chain_id"`
	BlockNumber     int64     `json:"block_number"`
	BlockHash       string    `json:"block_hash"`
	TransactionHash string    `json:"transaction_hash"`
	LogIndex        int32     `json:"log_index"`
	Registry        Registry  `json:"registry"`
	EventType       string    `json:"event_type"`
	OccurredAt      int64     `json:"occurred_at"` // unix seconds, block timestamp

	// Identity registry payload
	AgentID  *int64  `json:"agent_id,omitempty"`
	Owner    *string `json:"owner,omitempty"`
	TokenURI *string `json:"token_uri,omitempty"`

	// Reputation registry payload
	ClientAddress *string `json:"client_address,omitempty"`
	FeedbackIndex *int64  `json:"feedback_index,omitempty"`
	Score         *int32  `json:"score,omitempty"` // clamped 0-100 by ingestion
	Tag1          *string `json:"tag1,omitempty"`
	Tag2          *string `json:"tag2,omitempty"`
	FileURI       *string `json:"file_uri,omitempty"`
	FileHash      *string `json:"file_hash,omitempty"`

	// Validation registry payload
	ValidatorAddress *string `json:"validator_address,omitempty"`
	RequestHash      *string `json:"request_hash,omitempty"`
	Response         *int32  `json:"response,omitempty"`
	ResponseURI      *string `json:"response_uri,omitempty"`
	ResponseHash     *string `json:"response_hash,omitempty"`
	Tag              *string `json:"tag,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PayloadMap flattens the event into template variables. Nil fields are
// omitted so templates render missing values as empty strings.
func (e *Event) PayloadMap() map[string]string {
	m := map[string]string{
		"event_id":         e.ID,
		"chain_id":         itoa(e.ChainID),
		"block_number":     itoa(e.BlockNumber),
		"transaction_hash": e.TransactionHash,
		"log_index":        itoa(int64(e.LogIndex)),
		"registry":         string(e.Registry),
		"event_type":       e.EventType,
		"timestamp":        itoa(e.OccurredAt),
	}

	putInt := func(key string, v *int64) {
		if v != nil {
			m[key] = itoa(*v)
		}
	}
	putInt32 := func(key string, v *int32) {
		if v != nil {
			m[key] = itoa(int64(*v))
		}
	}
	putStr := func(key string, v *string) {
		if v != nil {
			m[key] = *v
		}
	}

	putInt("agent_id", e.AgentID)
	putStr("owner", e.Owner)
	putStr("token_uri", e.TokenURI)
	putStr("client_address", e.ClientAddress)
	putInt("feedback_index", e.FeedbackIndex)
	putInt32("score", e.Score)
	putStr("tag1", e.Tag1)
	putStr("tag2", e.Tag2)
	putStr("file_uri", e.FileURI)
	putStr("file_hash", e.FileHash)
	putStr("validator_address", e.ValidatorAddress)
	putStr("request_hash", e.RequestHash)
	putInt32("response", e.Response)
	putStr("response_uri", e.ResponseURI)
	putStr("response_hash", e.ResponseHash)
	putStr("tag", e.Tag)

	return m
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
