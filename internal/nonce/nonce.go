package nonce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bonomat/satsday/internal/ledger"
	"github.com/bonomat/satsday/internal/logging"
)

// Service holds the current secret nonce for the dice game. Only the
// sha256 of the current nonce is published; the value itself becomes
// revealable once a rotation has replaced it. Every generated nonce is
// persisted before it becomes current, so a crash can never leave a
// game committed to a nonce the ledger does not know.
type Service struct {
	sync.RWMutex
	current  uint64
	ledger   *ledger.Ledger
	rotation time.Duration
	validity time.Duration
	stopChan chan struct{}
	stopped  bool
}

// NewService draws the initial nonce, persists it and returns a service
// ready to Start
func NewService(
	lg *ledger.Ledger,
	rotation time.Duration,
	validity time.Duration,
) (*Service, error) {
	s := &Service{
		ledger:   lg,
		rotation: rotation,
		validity: validity,
		stopChan: make(chan struct{}),
	}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start spawns the periodic rotation task
func (s *Service) Start() {
	logger := logging.GetLogger()
	logger.Infof(
		"nonce service started, rotating every %s",
		s.rotation,
	)
	go s.rotationLoop()
}

// Stop halts rotation (idempotent - safe to call multiple times)
func (s *Service) Stop() {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopChan)
}

// Current returns the current nonce value
func (s *Service) Current() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.current
}

// CurrentHash returns the published commitment for the current nonce
func (s *Service) CurrentHash() string {
	return Hash(strconv.FormatUint(s.Current(), 10))
}

// Revealable returns the nonce string iff it is no longer the current
// nonce and may therefore be disclosed to players
func (s *Service) Revealable(nonce string) (string, bool) {
	current := strconv.FormatUint(s.Current(), 10)
	if nonce == current {
		return "", false
	}
	return nonce, true
}

// Hash computes the published commitment for a nonce string: the hex
// encoded sha256 of its ascii form
func Hash(nonce string) string {
	digest := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(digest[:])
}

func (s *Service) rotationLoop() {
	logger := logging.GetLogger()
	ticker := time.NewTicker(s.rotation)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.rotate(); err != nil {
				logger.Errorf("failed to rotate nonce: %s", err)
			}
		case <-s.stopChan:
			return
		}
	}
}

// rotate draws a new random nonce, persists it and atomically replaces
// the current value. The superseded nonce stays in the ledger and is
// revealable from this point on.
func (s *Service) rotate() error {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Errorf("failed to draw nonce: %w", err)
	}
	value := binary.BigEndian.Uint64(buf[:])
	nonceStr := strconv.FormatUint(value, 10)
	expiresAt := time.Now().Add(s.validity)
	if err := s.ledger.InsertNonce(nonceStr, Hash(nonceStr), expiresAt); err != nil {
		return err
	}

	s.Lock()
	s.current = value
	s.Unlock()

	logging.GetLogger().Infof("generated new nonce, hash %s", Hash(nonceStr))
	return nil
}
