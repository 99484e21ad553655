package ledger

import (
	"time"
)

// Nonce is one generated house secret. The value is stored as the ascii
// decimal of the u64 so it can be revealed verbatim later.
type Nonce struct {
	ID        uint   `gorm:"primaryKey"`
	Nonce     string `gorm:"not null"`
	NonceHash string `gorm:"not null"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"not null"`
}

// GameResult is one settled (or pending-payout) game round. The unique
// constraint on InputTxId is what makes settlement exactly-once: the
// pipeline and recovery may both try to insert the same round, only one
// insert can succeed.
type GameResult struct {
	ID uint `gorm:"primaryKey"`
	// Ascii decimal of the nonce the round was evaluated under
	Nonce string `gorm:"not null"`
	// Roll over [0, 65535]; -1 marks a donation
	RolledNumber int64  `gorm:"not null"`
	InputTxId    string `gorm:"uniqueIndex;not null"`
	OutputTxId   *string
	BetAmount    int64 `gorm:"not null"`
	WinningAmount *int64
	PlayerAddress string `gorm:"not null"`
	IsWinner      bool   `gorm:"not null"`
	PaymentSuccessful bool `gorm:"not null"`
	Timestamp     time.Time `gorm:"autoCreateTime"`
	// Payout ratio in basis-hundredths (105 = 1.05x)
	Multiplier int64 `gorm:"not null"`
}

// OwnTransaction records every transaction id the house itself produced
// (payouts, consolidations, manual sends). Rows are written before the
// matching game row so that a subscription echo of our own payout is
// never mistaken for a new deposit.
type OwnTransaction struct {
	ID              uint   `gorm:"primaryKey"`
	TxId            string `gorm:"uniqueIndex;not null"`
	TransactionType string `gorm:"not null"`
	CreatedAt       time.Time
}

// TelegramChat is a chat subscribed to game notifications
type TelegramChat struct {
	ID        uint   `gorm:"primaryKey"`
	ChatId    string `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

// Stats summarises the ledger for the operator surface
type Stats struct {
	TotalGames      int64
	TotalDonations  int64
	TotalWinners    int64
	UnpaidWinners   int64
	TotalBetSats    int64
	TotalPayoutSats int64
}
