package leaseq_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/queueworks/leaseq"
)

// testExecutorConfig returns executor tuning tight enough for fast specs. The
// controller interval is pushed out so resize decisions never race the
// assertions.
func testExecutorConfig(queues ...string) *leaseq.ExecutorConfig {
	return &leaseq.ExecutorConfig{
		Queues:           queues,
		MinWorkers:       1,
		MaxWorkers:       4,
		PollInterval:     10 * time.Millisecond,
		MaxPollInterval:  50 * time.Millisecond,
		ExecTimeout:      time.Second,
		RetryBackoffBase: 5 * time.Millisecond,
		RetryBackoffMax:  20 * time.Millisecond,
		AdjustInterval:   time.Hour,
		Logger:           testLogger(),
	}
}

var _ = Describe("Executor", func() {
	var (
		backend  *leaseq.InMemoryBackend
		registry *leaseq.Registry
		ctx      context.Context
		qctx     leaseq.QueueCtx
	)

	BeforeEach(func() {
		backend = leaseq.NewInMemoryBackendWithConfig(testBackendConfig())
		registry = leaseq.NewRegistry()
		ctx = context.Background()
		qctx = leaseq.QueueCtx{TenantID: "tenant-a"}
	})

	AfterEach(func() {
		_ = backend.Close()
	})

	Describe("NewExecutor", func() {
		It("should require a backend", func() {
			_, err := leaseq.NewExecutor(nil, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).To(HaveOccurred())
		})

		It("should require a registry", func() {
			_, err := leaseq.NewExecutor(backend, nil, nil, qctx, testExecutorConfig("q1"))
			Expect(err).To(HaveOccurred())
		})

		It("should require a tenant id", func() {
			_, err := leaseq.NewExecutor(backend, registry, nil, leaseq.QueueCtx{}, testExecutorConfig("q1"))
			Expect(err).To(MatchError(leaseq.ErrTenantRequired))
		})

		It("should require at least one queue", func() {
			_, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("lifecycle", func() {
		It("should run MinWorkers slots after start", func() {
			cfg := testExecutorConfig("q1")
			cfg.MinWorkers = 2
			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, cfg)
			Expect(err).NotTo(HaveOccurred())

			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Expect(executor.ActiveWorkers()).To(Equal(2))
		})

		It("should reject a second start", func() {
			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())

			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Expect(executor.Start(ctx)).To(HaveOccurred())
		})

		It("should reject start after stop", func() {
			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())

			Expect(executor.Start(ctx)).To(Succeed())
			executor.Stop()

			Expect(executor.Start(ctx)).To(MatchError(leaseq.ErrWorkerShutdown))
		})

		It("should tolerate stop without start and a double stop", func() {
			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())

			executor.Stop()
			executor.Stop()
		})

		It("should finish the in-flight job before stop returns", func() {
			handler := leaseq.HandlerFunc("slow", func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
				time.Sleep(150 * time.Millisecond)
				return []byte("done"), nil
			})
			Expect(registry.Register(handler)).To(Succeed())

			jobID, err := backend.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", nil))
			Expect(err).NotTo(HaveOccurred())

			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())

			Eventually(func() leaseq.JobStatus {
				status, err := backend.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusLeased))

			executor.Stop()

			status, err := backend.GetStatus(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(leaseq.StatusCompleted))
		})
	})

	Describe("execution", func() {
		It("should execute a job and record its result", func() {
			handler := leaseq.HandlerFunc("greet", func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
				var arg map[string]string
				Expect(p.Decode(&arg)).To(Succeed())
				return []byte("hello " + arg["name"]), nil
			})
			Expect(registry.Register(handler)).To(Succeed())

			payload, err := leaseq.EncodePayload(leaseq.JSONCodec{}, map[string]string{"name": "world"})
			Expect(err).NotTo(HaveOccurred())
			jobID, err := backend.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", payload))
			Expect(err).NotTo(HaveOccurred())

			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Eventually(func() leaseq.JobStatus {
				status, err := backend.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusCompleted))

			rec, err := backend.GetRecord(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Result).To(Equal([]byte("hello world")))
			Expect(rec.AttemptCount).To(Equal(1))
		})

		It("should drain jobs across multiple slots", func() {
			var executed atomic.Int32
			handler := leaseq.HandlerFunc("count", func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
				executed.Add(1)
				return nil, nil
			})
			Expect(registry.Register(handler)).To(Succeed())

			const jobs = 12
			for i := 0; i < jobs; i++ {
				_, err := backend.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", nil))
				Expect(err).NotTo(HaveOccurred())
			}

			cfg := testExecutorConfig("q1")
			cfg.MinWorkers = 3
			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Eventually(func() int32 {
				return executed.Load()
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(int32(jobs)))
		})

		It("should retry a transient failure and succeed", func() {
			var attempts atomic.Int32
			handler := leaseq.HandlerFunc("flaky", func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
				if attempts.Add(1) == 1 {
					return nil, leaseq.NewRetryableError(errors.New("transient"))
				}
				return []byte("recovered"), nil
			})
			Expect(registry.Register(handler)).To(Succeed())

			jobID, err := backend.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", nil))
			Expect(err).NotTo(HaveOccurred())

			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Eventually(func() leaseq.JobStatus {
				status, err := backend.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusCompleted))

			rec, err := backend.GetRecord(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.AttemptCount).To(Equal(2))
			Expect(rec.Result).To(Equal([]byte("recovered")))
		})

		It("should treat untagged errors as retryable", func() {
			var attempts atomic.Int32
			handler := leaseq.HandlerFunc("untagged", func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
				if attempts.Add(1) == 1 {
					return nil, errors.New("plain failure")
				}
				return nil, nil
			})
			Expect(registry.Register(handler)).To(Succeed())

			jobID, err := backend.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", nil))
			Expect(err).NotTo(HaveOccurred())

			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Eventually(func() leaseq.JobStatus {
				status, err := backend.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusCompleted))
		})

		It("should fail a permanent error without retrying", func() {
			var attempts atomic.Int32
			handler := leaseq.HandlerFunc("broken", func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
				attempts.Add(1)
				return nil, leaseq.NewPermanentError(errors.New("bad input"))
			})
			Expect(registry.Register(handler)).To(Succeed())

			jobID, err := backend.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", nil))
			Expect(err).NotTo(HaveOccurred())

			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Eventually(func() leaseq.JobStatus {
				status, err := backend.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusFailed))

			rec, err := backend.GetRecord(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.AttemptCount).To(Equal(1))
			Expect(rec.LastError).To(ContainSubstring("bad input"))
			Expect(attempts.Load()).To(Equal(int32(1)))
		})

		It("should fail a job whose type has no handler", func() {
			jobID, err := backend.Enqueue(ctx, qctx, leaseq.JobMessage{
				JobType: "ghost",
				Queue:   "q1",
			})
			Expect(err).NotTo(HaveOccurred())

			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Eventually(func() leaseq.JobStatus {
				status, err := backend.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusFailed))

			rec, err := backend.GetRecord(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.LastError).To(ContainSubstring("not registered"))
		})

		It("should contain a panicking handler and fail the job", func() {
			handler := leaseq.HandlerFuncWith("panicky", leaseq.PriorityNormal, 0,
				func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
					panic("boom")
				})
			Expect(registry.Register(handler)).To(Succeed())

			jobID, err := backend.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", nil))
			Expect(err).NotTo(HaveOccurred())

			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Eventually(func() leaseq.JobStatus {
				status, err := backend.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusFailed))

			rec, err := backend.GetRecord(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.LastError).To(ContainSubstring("handler panic"))
		})

		It("should surrender the lease on execution timeout for another attempt", func() {
			short := leaseq.NewInMemoryBackendWithConfig(&leaseq.BackendConfig{
				LeaseDuration: 100 * time.Millisecond,
				Logger:        testLogger(),
			})
			defer short.Close()

			var attempts atomic.Int32
			handler := leaseq.HandlerFunc("stuck", func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
				if attempts.Add(1) == 1 {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				return []byte("second time lucky"), nil
			})
			Expect(registry.Register(handler)).To(Succeed())

			jobID, err := short.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", nil))
			Expect(err).NotTo(HaveOccurred())

			cfg := testExecutorConfig("q1")
			cfg.ExecTimeout = 50 * time.Millisecond
			executor, err := leaseq.NewExecutor(short, registry, nil, qctx, cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			// The first attempt times out without an ack; the job is picked up
			// again only after its lease lapses
			Eventually(func() leaseq.JobStatus {
				status, err := short.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusCompleted))

			rec, err := short.GetRecord(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.AttemptCount).To(Equal(2))
		})

		It("should keep a long job's lease alive with heartbeats", func() {
			short := leaseq.NewInMemoryBackendWithConfig(&leaseq.BackendConfig{
				LeaseDuration: 100 * time.Millisecond,
				Logger:        testLogger(),
			})
			defer short.Close()

			handler := leaseq.HandlerFunc("long", func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
				// Runs well past the lease duration
				time.Sleep(250 * time.Millisecond)
				return []byte("finished"), nil
			})
			Expect(registry.Register(handler)).To(Succeed())

			jobID, err := short.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", nil))
			Expect(err).NotTo(HaveOccurred())

			cfg := testExecutorConfig("q1")
			cfg.HeartbeatInterval = 25 * time.Millisecond
			executor, err := leaseq.NewExecutor(short, registry, nil, qctx, cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Eventually(func() leaseq.JobStatus {
				status, err := short.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusCompleted))

			// One attempt: the lease never lapsed mid-run
			rec, err := short.GetRecord(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.AttemptCount).To(Equal(1))
			Expect(rec.Result).To(Equal([]byte("finished")))
		})

		It("should drop the late ack when the job was canceled mid-run", func() {
			release := make(chan struct{})
			handler := leaseq.HandlerFunc("cancellable", func(ctx context.Context, qctx leaseq.QueueCtx, p leaseq.Payload) ([]byte, error) {
				<-release
				return []byte("too late"), nil
			})
			Expect(registry.Register(handler)).To(Succeed())

			jobID, err := backend.Enqueue(ctx, qctx, leaseq.NewMessage(handler, "q1", nil))
			Expect(err).NotTo(HaveOccurred())

			executor, err := leaseq.NewExecutor(backend, registry, nil, qctx, testExecutorConfig("q1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(executor.Start(ctx)).To(Succeed())
			defer executor.Stop()

			Eventually(func() leaseq.JobStatus {
				status, err := backend.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, time.Second, 10*time.Millisecond).Should(Equal(leaseq.StatusLeased))

			canceled, err := backend.Cancel(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(canceled).To(BeTrue())
			close(release)

			// The handler finishes but its completion is rejected
			Consistently(func() leaseq.JobStatus {
				status, err := backend.GetStatus(ctx, qctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				return status
			}, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(leaseq.StatusCanceled))

			rec, err := backend.GetRecord(ctx, qctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Result).To(BeNil())
		})
	})
})
