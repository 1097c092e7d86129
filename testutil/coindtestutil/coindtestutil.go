// Package coindtestutil contains a scriptable node RPC client for tests.
package coindtestutil

import (
	"fmt"

	"gitlab.com/arcanecrypto/coinledger/coind"
)

// check the interface is satisfied
var _ coind.Client = &MockClient{}

// SendManyCall records one SendMany invocation.
type SendManyCall struct {
	Account string
	Outputs coind.Outputs
}

// MockClient implements coind.Client by delegating to function fields,
// recording every call on the way. Unset fields give benign defaults so
// tests only script the calls they care about.
type MockClient struct {
	GetNewAddressFunc  func(account string) (string, error)
	SendManyFunc       func(account string, outputs coind.Outputs) (string, error)
	GetTransactionFunc func(txid string) (coind.TxEnvelope, error)
	ListSinceBlockFunc func(blockhash string) (coind.SinceBlock, error)
	GetBlockCountFunc  func() (int64, error)
	GetBlockHashFunc   func(height int64) (string, error)

	SendManyCalls       []SendManyCall
	GetTransactionCalls []string
	ListSinceBlockCalls []string
	GetNewAddressCalls  int
}

func (m *MockClient) GetNewAddress(account string) (string, error) {
	m.GetNewAddressCalls++
	if m.GetNewAddressFunc != nil {
		return m.GetNewAddressFunc(account)
	}
	return fmt.Sprintf("mockaddress%d", m.GetNewAddressCalls), nil
}

func (m *MockClient) SendMany(account string, outputs coind.Outputs) (string, error) {
	// copy so later mutation by the caller can't corrupt the record
	copied := make(coind.Outputs, len(outputs))
	for address, amount := range outputs {
		copied[address] = amount
	}
	m.SendManyCalls = append(m.SendManyCalls, SendManyCall{
		Account: account,
		Outputs: copied,
	})
	if m.SendManyFunc != nil {
		return m.SendManyFunc(account, outputs)
	}
	return "mocktxid", nil
}

func (m *MockClient) GetTransaction(txid string) (coind.TxEnvelope, error) {
	m.GetTransactionCalls = append(m.GetTransactionCalls, txid)
	if m.GetTransactionFunc != nil {
		return m.GetTransactionFunc(txid)
	}
	return coind.TxEnvelope{Txid: txid}, nil
}

func (m *MockClient) ListSinceBlock(blockhash string) (coind.SinceBlock, error) {
	m.ListSinceBlockCalls = append(m.ListSinceBlockCalls, blockhash)
	if m.ListSinceBlockFunc != nil {
		return m.ListSinceBlockFunc(blockhash)
	}
	return coind.SinceBlock{}, nil
}

func (m *MockClient) GetBlockCount() (int64, error) {
	if m.GetBlockCountFunc != nil {
		return m.GetBlockCountFunc()
	}
	return 0, nil
}

func (m *MockClient) GetBlockHash(height int64) (string, error) {
	if m.GetBlockHashFunc != nil {
		return m.GetBlockHashFunc(height)
	}
	return fmt.Sprintf("mockblockhash%d", height), nil
}
