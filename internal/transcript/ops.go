package transcript

import (
	"encoding/json"
	"fmt"
)

// Op kinds. Every op is commutative with every other op and idempotent, so
// replicas converge no matter how the relay interleaves them.
const (
	OpInsertParagraph = "insert_paragraph"
	OpInsertTokens    = "insert_tokens"
	OpRemoveTokens    = "remove_tokens"
	OpSetContent      = "set_content"
	OpApprove         = "approve"
	OpSetAutoConfirm  = "set_autoconfirm"
	OpClear           = "clear"
)

// Op is one replicated document mutation. Kind selects which fields are
// meaningful; unused fields stay at their zero value on the wire.
type Op struct {
	Kind string `json:"kind"`

	Paragraph    ID       `json:"paragraph"`
	ParagraphPos Position `json:"paragraph_pos,omitempty"`
	Speaker      string   `json:"speaker,omitempty"`

	Tokens []*Token `json:"tokens,omitempty"`
	IDs    []ID     `json:"ids,omitempty"`

	Token    ID       `json:"token"`
	Text     string   `json:"text,omitempty"`
	Start    float64  `json:"start,omitempty"`
	End      float64  `json:"end,omitempty"`
	Final    bool     `json:"final,omitempty"`
	Rev      Rev      `json:"rev"`
	Approval Approval `json:"approval"`

	AutoConfirm AutoConfirmConfig `json:"auto_confirm"`
}

// Update is the unit carried in a sync frame: a batch of ops from one
// origin replica, applied atomically in order.
type Update struct {
	Origin string `json:"origin"`
	Seq    uint64 `json:"seq"`
	Ops    []Op   `json:"ops"`
}

func EncodeUpdate(u Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}
