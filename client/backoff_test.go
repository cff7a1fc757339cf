package client_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/nsqc/client"
)

var _ = Describe("Backoff", func() {
	var (
		backoff *client.Backoff
		epoch   time.Time
	)

	at := func(seconds int) time.Time {
		return epoch.Add(time.Duration(seconds) * time.Second)
	}

	failing := func() error { return errors.New("connection refused") }
	succeeding := func() error { return nil }

	BeforeEach(func() {
		backoff = client.NewBackoff(8*time.Second, 32*time.Second, 0)
		epoch = time.Unix(1000, 0)
	})

	It("doubles the delay on each failure up to the maximum", func() {
		Expect(backoff.Do(at(0), failing)).To(MatchError("connection refused"))
		Expect(backoff.Do(at(7), failing)).To(MatchError(client.ErrBackoff))

		Expect(backoff.Do(at(8), failing)).To(MatchError("connection refused"))
		Expect(backoff.Do(at(22), failing)).To(MatchError(client.ErrBackoff))
		Expect(backoff.Do(at(13), failing)).To(MatchError(client.ErrBackoff))

		Expect(backoff.Do(at(24), failing)).To(MatchError("connection refused"))
		Expect(backoff.Attempt()).To(Equal(3))
		Expect(backoff.Do(at(55), failing)).To(MatchError(client.ErrBackoff))

		Expect(backoff.Do(at(56), succeeding)).To(Succeed())
		Expect(backoff.Attempt()).To(Equal(0))
	})

	It("starts over from the minimum after a success", func() {
		Expect(backoff.Do(at(0), failing)).NotTo(Succeed())
		Expect(backoff.Do(at(8), failing)).NotTo(Succeed())
		Expect(backoff.Do(at(24), succeeding)).To(Succeed())

		Expect(backoff.Do(at(24), failing)).NotTo(Succeed())
		Expect(backoff.Do(at(31), failing)).To(MatchError(client.ErrBackoff))
		Expect(backoff.Do(at(32), failing)).To(MatchError("connection refused"))
		Expect(backoff.Do(at(32), succeeding)).To(MatchError(client.ErrBackoff))
	})

	It("caps the delay", func() {
		var wait time.Duration
		for i := 0; i < 10; i++ {
			wait = backoff.Failure(at(0))
		}

		Expect(wait).To(Equal(32 * time.Second))
	})

	It("adds at most the jitter fraction on top", func() {
		jittered := client.NewBackoff(time.Second, 4*time.Second, 0.5)

		wait := jittered.Failure(at(0))
		Expect(wait).To(BeNumerically(">=", time.Second))
		Expect(wait).To(BeNumerically("<=", 1500*time.Millisecond))
	})

	It("reports the wait until the next permitted attempt", func() {
		Expect(backoff.Wait(at(0))).To(BeZero())

		Expect(backoff.Do(at(0), failing)).NotTo(Succeed())
		Expect(backoff.Wait(at(3))).To(Equal(5 * time.Second))
		Expect(backoff.Wait(at(8))).To(BeZero())
		Expect(backoff.Wait(at(9))).To(BeZero())
	})
})
