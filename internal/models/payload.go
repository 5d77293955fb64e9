package models

import (
	"encoding/json"
	"fmt"
)

// EntryType classifies a mutation by the domain object it touches.
type EntryType string

const (
	EntryMessage     EntryType = "message"
	EntryTransaction EntryType = "transaction"
	EntryWallet      EntryType = "wallet"
	EntryProduct     EntryType = "product"
	EntryGeneric     EntryType = "generic"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryMessage, EntryTransaction, EntryWallet, EntryProduct, EntryGeneric:
		return true
	}
	return false
}

// Default store names, one per entry type.
const (
	StoreMessages     = "messages"
	StoreTransactions = "transactions"
	StoreWallet       = "wallet"
	StoreProducts     = "products"
	StoreGeneric      = "generic"
)

// Payload is the body of a queued mutation. Each variant knows its type
// and the local store its optimistic record lives in.
type Payload interface {
	EntryType() EntryType
	StoreName() string
}

// MessagePayload is a chat message between buyer and seller.
type MessagePayload struct {
	ID             string   `json:"id,omitempty"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	Content        string   `json:"content"`
	Attachments    []string `json:"attachments,omitempty"`
}

func (MessagePayload) EntryType() EntryType { return EntryMessage }
func (MessagePayload) StoreName() string    { return StoreMessages }

// TransactionPayload is a wallet movement. Amounts are minor currency units.
type TransactionPayload struct {
	ID        string `json:"id,omitempty"`
	WalletID  string `json:"walletId"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Kind      string `json:"kind"`
	Reference string `json:"reference,omitempty"`
}

func (TransactionPayload) EntryType() EntryType { return EntryTransaction }
func (TransactionPayload) StoreName() string    { return StoreTransactions }

// WalletPayload updates wallet metadata or balance.
type WalletPayload struct {
	ID       string `json:"id,omitempty"`
	OwnerID  string `json:"ownerId"`
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
}

func (WalletPayload) EntryType() EntryType { return EntryWallet }
func (WalletPayload) StoreName() string    { return StoreWallet }

// ProductPayload is a marketplace listing.
type ProductPayload struct {
	ID          string `json:"id,omitempty"`
	SellerID    string `json:"sellerId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	PriceCents  int64  `json:"priceCents"`
	Stock       int    `json:"stock"`
}

func (ProductPayload) EntryType() EntryType { return EntryProduct }
func (ProductPayload) StoreName() string    { return StoreProducts }

// GenericPayload carries an untyped object for stores without a dedicated
// variant.
type GenericPayload struct {
	Store  string         `json:"store,omitempty"`
	Fields map[string]any `json:"fields"`
}

func (GenericPayload) EntryType() EntryType { return EntryGeneric }

func (g GenericPayload) StoreName() string {
	if g.Store != "" {
		return g.Store
	}
	return StoreGeneric
}

type payloadEnvelope struct {
	Type EntryType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload encodes p as a {"type","data"} envelope.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.EntryType(), err)
	}
	return json.Marshal(payloadEnvelope{Type: p.EntryType(), Data: data})
}

// UnmarshalPayload decodes an envelope produced by MarshalPayload.
func UnmarshalPayload(b []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	return DecodePayload(env.Type, env.Data)
}

// DecodePayload decodes raw variant JSON for the given type.
func DecodePayload(t EntryType, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case EntryMessage:
		var v MessagePayload
		err = json.Unmarshal(data, &v)
		p = v
	case EntryTransaction:
		var v TransactionPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EntryWallet:
		var v WalletPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EntryProduct:
		var v ProductPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EntryGeneric:
		var v GenericPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown payload type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// PayloadFields flattens a payload into the field map stored on its
// optimistic record. Generic payloads contribute their Fields directly.
func PayloadFields(p Payload) (map[string]any, error) {
	if g, ok := p.(GenericPayload); ok {
		return CloneMap(g.Fields), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// PayloadFromFields rebuilds a payload of type t from a field map.
func PayloadFromFields(t EntryType, store string, fields map[string]any) (Payload, error) {
	if t == EntryGeneric {
		return GenericPayload{Store: store, Fields: CloneMap(fields)}, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return DecodePayload(t, b)
}
