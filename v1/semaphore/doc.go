// Package semaphore serializes a named critical section across processes
// and machines using a Redis list as a token queue.
//
// Every session name maps to two keys: a mutex key, set with GETSET by each
// client entering the session, and a queue key holding at most one token.
// A client whose GETSET finds the mutex key empty is the first one since the
// session expired, so it primes the queue (DEL + LPUSH in one MULTI). Every
// client then waits on BLPOP for the token, runs its work, and on the way out
// pushes a token back if the queue is empty and refreshes the expiry of both
// keys so abandoned sessions clean themselves up.
//
// BLPOP does the waiting: Redis wakes exactly one blocked client per pushed
// token, longest waiter first, and because BLPOP is a write it is always
// served by the primary.
//
//	s, err := semaphore.New(semaphore.WithName("s3-upload"))
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	ran, err := s.Synchronize(ctx, 15*time.Second, func(ctx context.Context) error {
//		return upload(ctx)
//	})
package semaphore
