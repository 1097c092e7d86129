package coind

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"
)

// Transaction categories as reported by the node daemons.
const (
	CategoryReceive  = "receive"
	CategorySend     = "send"
	CategoryImmature = "immature"
	CategoryGenerate = "generate"
)

// Outputs maps destination address to the amount it should receive.
type Outputs map[string]decimal.Decimal

var _ json.Marshaler = Outputs{}

// MarshalJSON writes amounts as bare JSON numbers with exactly 8
// decimals, the precision the daemons expect. Addresses are emitted in
// sorted order so the wire format is deterministic.
func (o Outputs) MarshalJSON() ([]byte, error) {
	addresses := make([]string, 0, len(o))
	for address := range o {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, address := range addresses {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(address)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(o[address].StringFixed(8))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Total sums all output amounts.
func (o Outputs) Total() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range o {
		total = total.Add(amount)
	}
	return total
}

// TxDetail is one per-address entry inside a gettransaction envelope.
type TxDetail struct {
	Category string          `json:"category"`
	Address  string          `json:"address"`
	Amount   decimal.Decimal `json:"amount"`
	Account  string          `json:"account"`
	Fee      decimal.Decimal `json:"fee"`
}

// TxEnvelope is the result of a gettransaction call. Fee is negative
// for sends, following the daemon's convention.
type TxEnvelope struct {
	Txid          string          `json:"txid"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Confirmations int64           `json:"confirmations"`
	BlockHash     string          `json:"blockhash"`
	Details       []TxDetail      `json:"details"`
}

// SinceBlockEntry is one entry of a listsinceblock result. Unlike
// gettransaction, the listing is already flattened to one entry per
// affected address.
type SinceBlockEntry struct {
	Category      string          `json:"category"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	Account       string          `json:"account"`
	Txid          string          `json:"txid"`
	Confirmations int64           `json:"confirmations"`
	BlockHash     string          `json:"blockhash"`
}

// SinceBlock is the result of a listsinceblock call.
type SinceBlock struct {
	Transactions []SinceBlockEntry `json:"transactions"`
	LastBlock    string            `json:"lastblock"`
}
