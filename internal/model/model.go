package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenEvent is a raw mint notification from the live feed. It only lives in
// the ingestor's accumulation buffer until the batch is flushed.
type TokenEvent struct {
	Mint       string    `json:"mint"`
	Name       string    `json:"name"`
	Symbol     string    `json:"symbol"`
	URI        string    `json:"uri"`
	Twitter    string    `json:"twitter,omitempty"`
	Telegram   string    `json:"telegram,omitempty"`
	Website    string    `json:"website,omitempty"`
	Signature  string    `json:"signature,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Metadata is the off-chain document referenced by a TokenEvent's URI.
// Every field may be blank when resolution failed.
type Metadata struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Twitter     string `json:"twitter"`
	Telegram    string `json:"telegram"`
	Website     string `json:"website"`
}

// Bundle is a batch of coins sharing one composite image.
type Bundle struct {
	ID        string    `json:"id"`
	ImageURL  string    `json:"image_url"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision is the outcome of the initial yes/no screen for a coin.
type Decision string

const (
	DecisionUnset Decision = ""
	DecisionYes   Decision = "yes"
	DecisionNo    Decision = "no"
)

// Valid reports whether d is one of the two screen outcomes.
func (d Decision) Valid() bool {
	return d == DecisionYes || d == DecisionNo
}

// Coin is one position within a bundle's grid.
type Coin struct {
	ID          string    `json:"id"`        // row id
	BundleID    string    `json:"bundle_id"` // owning bundle
	CoinID      string    `json:"coin_id"`   // zero padded position, "01".."0N"
	Mint        string    `json:"mint"`
	Name        string    `json:"name"`
	Symbol      string    `json:"symbol"`
	Description string    `json:"description"`
	ImageURL    string    `json:"image_url"` // official metadata image
	Twitter     string    `json:"twitter,omitempty"`
	Telegram    string    `json:"telegram,omitempty"`
	Website     string    `json:"website,omitempty"`
	PumpfunURL  string    `json:"pumpfun_url,omitempty"`
	Decision    Decision  `json:"decision"`
	CropURL     string    `json:"crop_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Quality is the terminal outcome of the disqualification funnel.
type Quality string

const (
	QualityUnset Quality = ""
	QualityBuy   Quality = "buy"
	QualityBad   Quality = "bad"
	QualityError Quality = "error"
)

// GoodCoin tracks a coin that passed the initial screen through the funnel.
// CoinUUID is a lookup reference to Coin.ID, not an ownership link.
type GoodCoin struct {
	ID            string    `json:"id"`
	CoinUUID      string    `json:"coin_uuid"`
	Processed     bool      `json:"processed"`
	Quality       Quality   `json:"quality"`
	ImageURL      string    `json:"image_url,omitempty"`
	ScreenshotURL string    `json:"screenshot_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// PortfolioEntry is a simulated holding created by a paper buy.
type PortfolioEntry struct {
	ID           string          `json:"id"`
	Mint         string          `json:"mint"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	InPossession bool            `json:"inpossession"`
	CreatedAt    time.Time       `json:"created_at"`
}
