package status

import (
	"time"

	"github.com/betbot/relayer/internal/domain"
)

type termsView struct {
	Beneficiary      string `json:"beneficiary"`
	Amount           string `json:"amount"`
	DestinationChain string `json:"destination_chain"`
	ExpiryBlock      uint64 `json:"expiry_block"`
}

type submissionView struct {
	ID          string    `json:"id"`
	ChainID     uint64    `json:"chain_id"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Replaced    []string  `json:"replaced,omitempty"`
	Nonce       *uint64   `json:"nonce,omitempty"`
	GasPrice    string    `json:"gas_price,omitempty"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

type orderView struct {
	ID          string                `json:"id"`
	State       domain.OrderState     `json:"state"`
	OriginBlock uint64                `json:"origin_block"`
	OriginTx    string                `json:"origin_tx"`
	Terms       *termsView            `json:"terms,omitempty"`
	Submission  *submissionView       `json:"submission,omitempty"`
	FailReason  string                `json:"fail_reason,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	History     []domain.HistoryEntry `json:"history,omitempty"`
}

// viewOf 列表只返回摘要，详情额外带上历史
func viewOf(o *domain.Order, detail bool) orderView {
	v := orderView{
		ID:          o.ID.Hex(),
		State:       o.State,
		OriginBlock: o.Origin.Number,
		OriginTx:    o.OriginTx.Hex(),
		FailReason:  o.FailReason,
		LastError:   o.LastError,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
	if t, err := domain.DecodeTerms(o.Payload); err == nil {
		v.Terms = &termsView{
			Beneficiary:      t.Beneficiary.Hex(),
			Amount:           t.Amount.String(),
			DestinationChain: t.DestinationChain.String(),
			ExpiryBlock:      t.ExpiryBlock,
		}
	}
	if s := o.Submission; s != nil {
		sv := &submissionView{ID: s.ID, ChainID: s.ChainID, Attempts: s.Attempts, SubmittedAt: s.SubmittedAt}
		if s.Broadcast() {
			sv.TxHash = s.TxHash.Hex()
		}
		// 同一提交中被替换的其他交易
		for _, h := range s.Hashes() {
			if h != s.TxHash {
				sv.Replaced = append(sv.Replaced, h.Hex())
			}
		}
		if s.HasNonce {
			n := s.Nonce
			sv.Nonce = &n
		}
		if s.GasPrice != nil {
			sv.GasPrice = s.GasPrice.String()
		}
		v.Submission = sv
	}
	if detail {
		v.History = o.History
	}
	return v
}
