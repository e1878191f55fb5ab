package orderapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/noah-isme/pos-checkout/internal/pricing"
)

// Line statuses sent with OrderLine.
const (
	LineStatusPending = "pending"
	LineStatusGift    = "gift"
)

// OrderHeader is the payload of POST /orders.
type OrderHeader struct {
	OrderNumber    string        `json:"orderNumber"`
	StoreID        string        `json:"storeId"`
	CashierID      string        `json:"cashierId"`
	MemberID       string        `json:"memberId,omitempty"`
	ItemCount      int           `json:"itemCount"`
	Quantity       int           `json:"quantity"`
	Summary        string        `json:"summary"`
	OriginalTotal  pricing.Money `json:"originalTotal"`
	DiscountAmount pricing.Money `json:"discountAmount"`
	PointDeduction pricing.Money `json:"pointDeduction"`
	FinalTotal     pricing.Money `json:"finalTotal"`
	CashbackDiff   pricing.Money `json:"cashbackDiff"`
	Payment        Payment       `json:"payment"`
	Delivery       Delivery      `json:"delivery"`
	PlacedAt       time.Time     `json:"placedAt"`
}

// Payment describes how the order was paid.
type Payment struct {
	Method   string         `json:"method"`
	Tendered *pricing.Money `json:"tendered,omitempty"`
	Change   *pricing.Money `json:"change,omitempty"`
}

// Delivery describes how the goods leave the store.
type Delivery struct {
	Method    string `json:"method"`
	Recipient string `json:"recipient,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
	Note      string `json:"note,omitempty"`
}

// OrderLine is the payload of POST /order-items.
type OrderLine struct {
	OrderID        string        `json:"orderId"`
	ProductID      string        `json:"productId"`
	ProductName    string        `json:"productName,omitempty"`
	Quantity       int           `json:"quantity"`
	UnitPrice      pricing.Money `json:"unitPrice"`
	DiscountedUnit pricing.Money `json:"discountedUnit"`
	Subtotal       pricing.Money `json:"subtotal"`
	DiscountAmount pricing.Money `json:"discountAmount"`
	PriceTier      string        `json:"priceTier,omitempty"`
	Gift           bool          `json:"gift"`
	Status         string        `json:"status"`
}

// Product is a catalog entry with its price candidates resolved for a member level.
type Product struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Prices pricing.PriceSet `json:"prices"`
}

// RemoteID is an identifier assigned by the order API, which answers with
// either a JSON string or a JSON number.
type RemoteID string

// UnmarshalJSON accepts a string or number id.
func (id *RemoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("orderapi: id is null")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RemoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("orderapi: id is neither string nor number: %w", err)
	}
	*id = RemoteID(n.String())
	return nil
}

type createdResponse struct {
	ID RemoteID `json:"id"`
}

type memberResponse struct {
	ID           RemoteID      `json:"id"`
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	SubType      string        `json:"subType"`
	Level        string        `json:"level"`
	PointBalance pricing.Money `json:"pointBalance"`
}

type productResponse struct {
	ID               RemoteID      `json:"id"`
	Name             string        `json:"name"`
	DistributorPrice pricing.Money `json:"distributorPrice"`
	LevelPrice       pricing.Money `json:"levelPrice"`
	StorePrice       pricing.Money `json:"storePrice"`
	BasePrice        pricing.Money `json:"basePrice"`
}
