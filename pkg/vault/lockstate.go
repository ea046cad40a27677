package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Failed unlock limits: 5 attempts -> 30s, 10 attempts -> 5min, 20 attempts -> 30min.
const (
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute
)

var (
	ErrTooManyAttempts = errors.New("vault: too many failed unlock attempts")
	ErrCooldownActive  = errors.New("vault: cooldown period active")
)

// LockState tracks failed unlock attempts across processes.
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

func (s *Store) lockStatePath() string {
	return filepath.Join(s.path, LockFileName)
}

func (s *Store) loadLockState() (*LockState, error) {
	data, err := os.ReadFile(s.lockStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &LockState{}, nil
		}
		return nil, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupted lock file: start over.
		return &LockState{}, nil
	}
	return &state, nil
}

func (s *Store) saveLockState(state *LockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := os.WriteFile(s.lockStatePath(), data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return nil
}

func (s *Store) clearLockState() error {
	err := os.Remove(s.lockStatePath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

func (s *Store) checkCooldown() (time.Duration, error) {
	state, err := s.loadLockState()
	if err != nil {
		return 0, err
	}
	if now := time.Now(); now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

// recordFailedAttempt counts a failure and returns the cooldown it triggered.
func (s *Store) recordFailedAttempt() (time.Duration, error) {
	state, err := s.loadLockState()
	if err != nil {
		return 0, err
	}

	state.FailedAttempts++
	state.LastAttempt = time.Now()

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = state.LastAttempt.Add(cooldown)
	}

	return cooldown, s.saveLockState(state)
}

// GetLockState returns the failed-attempt record for display.
func (s *Store) GetLockState() (*LockState, error) {
	return s.loadLockState()
}

// RemainingCooldown returns how long unlock is still refused, or zero.
func (s *Store) RemainingCooldown() time.Duration {
	remaining, _ := s.checkCooldown()
	return remaining
}
