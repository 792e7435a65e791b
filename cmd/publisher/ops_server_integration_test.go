//go:build integration
// +build integration

package main

import (
	"net/http/httptest"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/pkg/cache"
	"github.com/jeyb33/publisher-core/pkg/metrics"
	"github.com/jeyb33/publisher-core/pkg/postgres"
	"github.com/jeyb33/publisher-core/pkg/tokenmanager"
	"github.com/jeyb33/publisher-core/pkg/upstream"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ops HTTP surface", func() {
	var (
		srv *httptest.Server
		mr  *miniredis.Miniredis
		db  *sqlx.DB
		sm  sqlmock.Sqlmock
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		rawDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		Expect(err).NotTo(HaveOccurred())
		sm = mock
		sm.ExpectPing()
		db = sqlx.NewDb(rawDB, "sqlmock")

		collector := metrics.NewCollector()
		repo := postgres.New(db)
		up := upstream.New(upstream.Config{}, nil)
		tokenMgr := tokenmanager.New(up, repo, clock.Real{}, 60)
		deviationCache := cache.New(cache.NewMemoryStore(), clock.Real{})
		srv = httptest.NewServer(newOpsServer(collector, db, rdb, repo, tokenMgr, up, deviationCache, 5*time.Minute, 2*time.Hour).Handler)
	})

	AfterEach(func() {
		srv.Close()
		mr.Close()
		db.Close()
	})

	It("reports ready when Postgres and Redis both answer", func() {
		resp, err := srv.Client().Get(srv.URL + "/readyz")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(200))
		Expect(sm.ExpectationsWereMet()).To(Succeed())
	})

	It("reports not-ready when Redis is unreachable", func() {
		mr.Close()
		resp, err := srv.Client().Get(srv.URL + "/readyz")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(503))
	})

	It("exposes Prometheus text on /metrics", func() {
		resp, err := srv.Client().Get(srv.URL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(200))
	})
})
