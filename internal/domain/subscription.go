package domain

import (
	"fmt"
	"sync"
)

// SubscriptionHandle is a Subscription whose lifecycle is driven by the transport that created it.
type SubscriptionHandle struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	closeFn func() error
}

func NewSubscriptionHandle(closeFn func() error) *SubscriptionHandle {
	return &SubscriptionHandle{
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

func (s *SubscriptionHandle) Close() error {
	var err error
	s.once.Do(func() {
		if s.closeFn != nil {
			err = s.closeFn()
		}
		close(s.done)
	})

	return err
}

// Fail ends the subscription with ErrSubscriptionLost wrapping cause. It is a no-op after Close.
func (s *SubscriptionHandle) Fail(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		if cause != nil {
			s.err = fmt.Errorf("%w: %w", ErrSubscriptionLost, cause)
		} else {
			s.err = ErrSubscriptionLost
		}
		s.mu.Unlock()

		if s.closeFn != nil {
			s.closeFn()
		}
		close(s.done)
	})
}

func (s *SubscriptionHandle) Done() <-chan struct{} {
	return s.done
}

func (s *SubscriptionHandle) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}
