package leaseq_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/queueworks/leaseq"
)

var _ = Describe("Metrics", func() {
	var (
		backend *leaseq.InMemoryBackend
		metrics *leaseq.Metrics
		ctx     context.Context
		cancel  context.CancelFunc
		qctx    leaseq.QueueCtx
		runErr  chan error
	)

	BeforeEach(func() {
		backend = leaseq.NewInMemoryBackendWithConfig(testBackendConfig())
		metrics = leaseq.NewMetrics(prometheus.NewRegistry(), testLogger())
		ctx, cancel = context.WithCancel(context.Background())
		qctx = leaseq.QueueCtx{TenantID: "tenant-a"}
		runErr = make(chan error, 1)
	})

	AfterEach(func() {
		cancel()
		_ = backend.Close()
	})

	startRun := func(queues ...string) {
		go func() {
			defer GinkgoRecover()
			runErr <- metrics.Run(ctx, backend, qctx, queues...)
		}()
	}

	It("should require a tenant", func() {
		err := metrics.Run(ctx, backend, leaseq.QueueCtx{})
		Expect(err).To(MatchError(leaseq.ErrTenantRequired))
	})

	It("should count lifecycle transitions from the event stream", func() {
		startRun("q1")

		jobID, err := backend.Enqueue(ctx, qctx, testMessage("q1"))
		Expect(err).NotTo(HaveOccurred())
		leased, err := backend.Dequeue(ctx, qctx, []string{"q1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(leased).NotTo(BeNil())
		Expect(backend.AckComplete(ctx, qctx, jobID, leased.Token, nil)).To(Succeed())

		counter := func(c *prometheus.CounterVec) func() float64 {
			return func() float64 {
				return testutil.ToFloat64(c.WithLabelValues("tenant-a", "q1", "test"))
			}
		}
		Eventually(counter(metrics.JobsEnqueued), time.Second, 10*time.Millisecond).Should(Equal(1.0))
		Eventually(counter(metrics.JobsLeased), time.Second, 10*time.Millisecond).Should(Equal(1.0))
		Eventually(counter(metrics.JobsCompleted), time.Second, 10*time.Millisecond).Should(Equal(1.0))
	})

	It("should count retries and permanent failures", func() {
		startRun("q1")

		msg := testMessage("q1")
		msg.MaxRetries = 1
		jobID, err := backend.Enqueue(ctx, qctx, msg)
		Expect(err).NotTo(HaveOccurred())

		leased, err := backend.Dequeue(ctx, qctx, []string{"q1"})
		Expect(err).NotTo(HaveOccurred())
		retryAt := time.Now()
		Expect(backend.AckFail(ctx, qctx, jobID, leased.Token, errors.New("transient"), &retryAt)).To(Succeed())

		Eventually(func() (*leaseq.LeasedJob, error) {
			return backend.Dequeue(ctx, qctx, []string{"q1"})
		}, time.Second, 10*time.Millisecond).ShouldNot(BeNil())

		rec, err := backend.GetRecord(ctx, qctx, jobID)
		Expect(err).NotTo(HaveOccurred())
		Expect(backend.AckFail(ctx, qctx, jobID, rec.Lease.Token, errors.New("still broken"), &retryAt)).To(Succeed())

		counter := func(c *prometheus.CounterVec) func() float64 {
			return func() float64 {
				return testutil.ToFloat64(c.WithLabelValues("tenant-a", "q1", "test"))
			}
		}
		Eventually(counter(metrics.JobsRetried), time.Second, 10*time.Millisecond).Should(Equal(1.0))
		Eventually(counter(metrics.JobsFailed), time.Second, 10*time.Millisecond).Should(Equal(1.0))
	})

	It("should observe lease-to-outcome durations", func() {
		startRun("q1")

		jobID, err := backend.Enqueue(ctx, qctx, testMessage("q1"))
		Expect(err).NotTo(HaveOccurred())
		leased, err := backend.Dequeue(ctx, qctx, []string{"q1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(backend.AckComplete(ctx, qctx, jobID, leased.Token, nil)).To(Succeed())

		Eventually(func() int {
			return testutil.CollectAndCount(metrics.JobDuration)
		}, time.Second, 10*time.Millisecond).Should(Equal(1))
	})

	It("should sample queue depth gauges", func() {
		for i := 0; i < 3; i++ {
			_, err := backend.Enqueue(ctx, qctx, testMessage("q1"))
			Expect(err).NotTo(HaveOccurred())
		}

		startRun("q1")

		Eventually(func() float64 {
			return testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("tenant-a", "q1", string(leaseq.StatusPending)))
		}, time.Second, 10*time.Millisecond).Should(Equal(3.0))
		Expect(testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("tenant-a", "q1", "ready"))).To(Equal(3.0))
	})

	It("should stop with ErrBackendClosed when the backend shuts down", func() {
		startRun("q1")

		// Give the run loop time to subscribe before closing
		Eventually(func() error {
			_, err := backend.Stats(ctx, qctx, nil)
			return err
		}, time.Second, 10*time.Millisecond).Should(Succeed())

		Expect(backend.Close()).To(Succeed())
		Eventually(runErr, time.Second, 10*time.Millisecond).Should(Receive(MatchError(leaseq.ErrBackendClosed)))
	})
})
