package app

import "time"

// SetRetryDelay shortens the post-download delete backoff for tests.
func (s *Service) SetRetryDelay(d time.Duration) { s.retryDelay = d }
