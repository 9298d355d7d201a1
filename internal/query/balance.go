package query

// HolderBalances is everything one address holds, as of the projection watermark.
type HolderBalances struct {
	Holder string `json:"holder"`

	// Collateral
	Collateral         int64 `json:"collateral"`          // free
	ReservedCollateral int64 `json:"reserved_collateral"` // behind resting buys
	TotalCollateral    int64 `json:"total_collateral"`    // free + reserved

	Positions []PositionBalance `json:"positions"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PositionBalance is the holding of one outcome token.
type PositionBalance struct {
	ConditionID string `json:"condition_id"`
	Slot        uint16 `json:"slot"`
	Free        int64  `json:"free"`
	Reserved    int64  `json:"reserved"` // behind resting sells
}
