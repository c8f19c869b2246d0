package asyncjob

import (
	"errors"
	"fmt"
	"sync"
)

var ErrSlotPoisoned = errors.New("slot poisoned")

// Slot is a latest-value cell guarded by its own mutex. A mutation which
// panics while holding the lock poisons the slot; every later access returns
// ErrSlotPoisoned instead of exposing a half-written value.
type Slot[T any] struct {
	name     string
	mx       sync.Mutex
	value    T
	set      bool
	poisoned bool
}

func NewSlot[T any](name string) *Slot[T] {
	return &Slot[T]{name: name}
}

// Load returns the current value and whether one is set.
func (s *Slot[T]) Load() (T, bool, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	var zero T
	if s.poisoned {
		return zero, false, s.err()
	}
	if !s.set {
		return zero, false, nil
	}
	return s.value, true, nil
}

// IsSet reports if the slot holds a value.
func (s *Slot[T]) IsSet() (bool, error) {
	_, ok, err := s.Load()
	return ok, err
}

func (s *Slot[T]) Store(v T) error {
	return s.Update(func(value *T, set *bool) {
		*value = v
		*set = true
	})
}

// Reset makes the slot unset.
func (s *Slot[T]) Reset() error {
	return s.Update(func(value *T, set *bool) {
		var zero T
		*value = zero
		*set = false
	})
}

// StoreIfEmpty atomically installs v when the slot is unset. It returns false
// and leaves the slot untouched if a value is already present.
func (s *Slot[T]) StoreIfEmpty(v T) (bool, error) {
	var stored bool
	err := s.Update(func(value *T, set *bool) {
		if *set {
			return
		}
		*value = v
		*set = true
		stored = true
	})
	return stored, err
}

// Update runs fn with exclusive access to the slot content.
func (s *Slot[T]) Update(fn func(value *T, set *bool)) (err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.poisoned {
		return s.err()
	}
	defer func() {
		if r := recover(); r != nil {
			s.poisoned = true
			err = fmt.Errorf("%w: %s: panic: %v", ErrSlotPoisoned, s.name, r)
		}
	}()
	fn(&s.value, &s.set)
	return nil
}

func (s *Slot[T]) err() error {
	return fmt.Errorf("%w: %s", ErrSlotPoisoned, s.name)
}
