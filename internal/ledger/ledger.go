package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrDuplicate is returned when an insert hits a unique constraint. For
// game rows this means the round was already settled by another path and
// the caller should treat the insert as a no-op.
var ErrDuplicate = errors.New("duplicate entry")

// Ledger is the persistent source of truth for nonces, game results and
// our own transactions
type Ledger struct {
	db *gorm.DB
}

// New opens (and migrates) the ledger database. The connection string is
// a SQLite path or DSN; ":memory:" is accepted for tests.
func New(database string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(database), &gorm.Config{
		// Surface unique-constraint violations as gorm.ErrDuplicatedKey
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	err = db.AutoMigrate(
		&Nonce{},
		&GameResult{},
		&OwnTransaction{},
		&TelegramChat{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate ledger database: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle
func (l *Ledger) Close() error {
	sqlDb, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDb.Close()
}

// InsertNonce appends a generated nonce with its hash and expiry
func (l *Ledger) InsertNonce(
	nonce string,
	nonceHash string,
	expiresAt time.Time,
) error {
	row := Nonce{
		Nonce:     nonce,
		NonceHash: nonceHash,
		ExpiresAt: expiresAt,
	}
	if err := l.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert nonce: %w", err)
	}
	return nil
}

// GetNonce looks up a nonce row by its ascii value
func (l *Ledger) GetNonce(nonce string) (*Nonce, error) {
	var row Nonce
	err := l.db.Where("nonce = ?", nonce).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up nonce: %w", err)
	}
	return &row, nil
}

// IsNonceValid reports whether the nonce exists and has not expired
func (l *Ledger) IsNonceValid(nonce string) (bool, error) {
	var count int64
	err := l.db.Model(&Nonce{}).
		Where("nonce = ? AND expires_at > ?", nonce, time.Now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check nonce validity: %w", err)
	}
	return count > 0, nil
}

// InsertGameResult writes a game row. A second insert for the same
// input txid returns ErrDuplicate and leaves the first row untouched.
func (l *Ledger) InsertGameResult(result *GameResult) error {
	err := l.db.Create(result).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: game for input tx %s", ErrDuplicate, result.InputTxId)
	}
	if err != nil {
		return fmt.Errorf("failed to insert game result: %w", err)
	}
	return nil
}

// IsTransactionProcessed reports whether a game row exists for the txid
func (l *Ledger) IsTransactionProcessed(inputTxId string) (bool, error) {
	var count int64
	err := l.db.Model(&GameResult{}).
		Where("input_tx_id = ?", inputTxId).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check processed transaction: %w", err)
	}
	return count > 0, nil
}

// InsertOwnTransaction records a transaction we produced. The insert is
// idempotent: recording the same txid twice is not an error.
func (l *Ledger) InsertOwnTransaction(txId string, txType string) error {
	row := OwnTransaction{
		TxId:            txId,
		TransactionType: txType,
	}
	err := l.db.Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert own transaction: %w", err)
	}
	return nil
}

// IsOwnTransaction reports whether the txid was produced by us
func (l *Ledger) IsOwnTransaction(txId string) (bool, error) {
	var count int64
	err := l.db.Model(&OwnTransaction{}).
		Where("tx_id = ?", txId).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check own transaction: %w", err)
	}
	return count > 0, nil
}

// MarkPaymentSuccessful records a completed payout for a winner row
func (l *Ledger) MarkPaymentSuccessful(id uint, outputTxId string) error {
	err := l.db.Model(&GameResult{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"payment_successful": true,
			"output_tx_id":       outputTxId,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark payment successful: %w", err)
	}
	return nil
}

// GetUnpaidWinners returns winner rows whose payout has not completed,
// oldest first
func (l *Ledger) GetUnpaidWinners() ([]GameResult, error) {
	var rows []GameResult
	err := l.db.
		Where("is_winner = ? AND payment_successful = ?", true, false).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaid winners: %w", err)
	}
	return rows, nil
}

// GetUnpaidWinnersWithinHours is GetUnpaidWinners restricted to rows
// created in the last N hours
func (l *Ledger) GetUnpaidWinnersWithinHours(hours uint) ([]GameResult, error) {
	var rows []GameResult
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	err := l.db.
		Where(
			"is_winner = ? AND payment_successful = ? AND timestamp > ?",
			true,
			false,
			cutoff,
		).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaid winners: %w", err)
	}
	return rows, nil
}

// GetGameResultsPage returns a page of game rows, newest first. Pages
// are 1-based.
func (l *Ledger) GetGameResultsPage(page int, pageSize int) ([]GameResult, error) {
	if page < 1 {
		page = 1
	}
	var rows []GameResult
	err := l.db.
		Order("timestamp DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list game results: %w", err)
	}
	return rows, nil
}

// GetTotalGameCount returns the number of game rows
func (l *Ledger) GetTotalGameCount() (int64, error) {
	var count int64
	if err := l.db.Model(&GameResult{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count game results: %w", err)
	}
	return count, nil
}

// GetStats summarises the ledger
func (l *Ledger) GetStats() (*Stats, error) {
	var stats Stats
	var err error
	if err = l.db.Model(&GameResult{}).Count(&stats.TotalGames).Error; err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}
	err = l.db.Model(&GameResult{}).
		Where("rolled_number = ?", -1).
		Count(&stats.TotalDonations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}
	err = l.db.Model(&GameResult{}).
		Where("is_winner = ?", true).
		Count(&stats.TotalWinners).Error
	if err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}
	err = l.db.Model(&GameResult{}).
		Where("is_winner = ? AND payment_successful = ?", true, false).
		Count(&stats.UnpaidWinners).Error
	if err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}
	err = l.db.Model(&GameResult{}).
		Select("COALESCE(SUM(bet_amount), 0)").
		Scan(&stats.TotalBetSats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}
	err = l.db.Model(&GameResult{}).
		Where("is_winner = ? AND payment_successful = ?", true, true).
		Select("COALESCE(SUM(winning_amount), 0)").
		Scan(&stats.TotalPayoutSats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}
	return &stats, nil
}

// RegisterTelegramChat subscribes a chat to notifications. Registering
// the same chat twice is not an error.
func (l *Ledger) RegisterTelegramChat(chatId string) error {
	row := TelegramChat{ChatId: chatId}
	err := l.db.Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to register telegram chat: %w", err)
	}
	return nil
}

// UnregisterTelegramChat removes a chat subscription
func (l *Ledger) UnregisterTelegramChat(chatId string) error {
	err := l.db.Where("chat_id = ?", chatId).Delete(&TelegramChat{}).Error
	if err != nil {
		return fmt.Errorf("failed to unregister telegram chat: %w", err)
	}
	return nil
}

// IsTelegramChatRegistered reports whether a chat is subscribed
func (l *Ledger) IsTelegramChatRegistered(chatId string) (bool, error) {
	var count int64
	err := l.db.Model(&TelegramChat{}).
		Where("chat_id = ?", chatId).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check telegram chat: %w", err)
	}
	return count > 0, nil
}

// GetTelegramChats returns every subscribed chat id
func (l *Ledger) GetTelegramChats() ([]string, error) {
	var rows []TelegramChat
	if err := l.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list telegram chats: %w", err)
	}
	chatIds := make([]string, 0, len(rows))
	for _, row := range rows {
		chatIds = append(chatIds, row.ChatId)
	}
	return chatIds, nil
}
