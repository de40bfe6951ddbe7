//go:build sqlite
// +build sqlite

package leaseq_test

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/queueworks/leaseq"
)

var _ = Describe("SQLiteBackend", func() {
	BackendTestSuite(func(cfg *leaseq.BackendConfig) (leaseq.Backend, func()) {
		tmpFile, err := os.CreateTemp("", "test_leaseq_*.db")
		Expect(err).NotTo(HaveOccurred())
		tmpFile.Close()

		backend, err := leaseq.NewSQLiteBackend(tmpFile.Name(), cfg)
		Expect(err).NotTo(HaveOccurred())

		return backend, func() {
			_ = backend.Close()
			_ = os.Remove(tmpFile.Name())
		}
	})
})
