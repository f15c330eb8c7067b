package workers

import (
	"context"
	"log"

	"github.com/2bTwist/chally/services"
)

// VerifyQueue is an in-process submission queue feeding the verification
// worker. Enqueue never blocks: a full queue drops the event and the
// submission stays pending until re-enqueued.
type VerifyQueue chan string

func NewVerifyQueue(size int) VerifyQueue {
	return make(VerifyQueue, size)
}

func (q VerifyQueue) Enqueue(submissionID string) {
	select {
	case q <- submissionID:
	default:
		log.Printf("⚠️ Verify queue full, dropping submission %s", submissionID)
	}
}

// RunVerifyWorker drains the queue until the context is cancelled.
func RunVerifyWorker(ctx context.Context, queue VerifyQueue, verify *services.VerifyService) {
	log.Println("Starting verification worker...")
	for {
		select {
		case <-ctx.Done():
			log.Println("Verification worker stopped.")
			return
		case id := <-queue:
			if err := verify.Evaluate(id); err != nil {
				log.Printf("❌ Verification failed for submission %s: %v", id, err)
			}
		}
	}
}
