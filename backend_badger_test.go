package leaseq_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/queueworks/leaseq"
)

var _ = Describe("BadgerBackend", func() {
	BackendTestSuite(func(cfg *leaseq.BackendConfig) (leaseq.Backend, func()) {
		tmpDir, err := os.MkdirTemp("", "leaseq_badger_*")
		Expect(err).NotTo(HaveOccurred())

		backend, err := leaseq.NewBadgerBackend(tmpDir, cfg)
		Expect(err).NotTo(HaveOccurred())

		return backend, func() {
			_ = backend.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})

	Describe("persistence", func() {
		It("should recover jobs and leases after a reopen", func() {
			tmpDir, err := os.MkdirTemp("", "leaseq_badger_reopen_*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(tmpDir)

			ctx := context.Background()
			qctx := leaseq.QueueCtx{TenantID: "tenant-a"}

			backend, err := leaseq.NewBadgerBackend(tmpDir, testBackendConfig())
			Expect(err).NotTo(HaveOccurred())

			pendingID, err := backend.Enqueue(ctx, qctx, testMessage("q1"))
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(2 * time.Millisecond)

			msg := testMessage("q1")
			msg.IdempotencyKey = "persisted-key"
			keyedID, err := backend.Enqueue(ctx, qctx, msg)
			Expect(err).NotTo(HaveOccurred())

			Expect(backend.Close()).To(Succeed())

			reopened, err := leaseq.NewBadgerBackend(tmpDir, testBackendConfig())
			Expect(err).NotTo(HaveOccurred())
			defer reopened.Close()

			// Records, dequeue order, and idempotency keys all survive
			status, err := reopened.GetStatus(ctx, qctx, pendingID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(leaseq.StatusPending))

			dup, err := reopened.Enqueue(ctx, qctx, msg)
			Expect(err).NotTo(HaveOccurred())
			Expect(dup).To(Equal(keyedID))

			leased, err := reopened.Dequeue(ctx, qctx, []string{"q1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(leased).NotTo(BeNil())
			Expect(leased.ID).To(Equal(pendingID))
		})
	})
})
