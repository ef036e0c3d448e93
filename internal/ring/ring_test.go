package ring_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/durner/anyblob-go/internal/ring"
)

func TestRing(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ring queue suite")
}

var _ = Describe("Queue", func() {
	// literal seeded trace from spec §8 scenario 6.
	It("matches the capacity-2 literal trace", func() {
		q, err := ring.New[int](2)
		Expect(err).NotTo(HaveOccurred())

		idx, err := q.TryInsert(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(idx).To(BeEquivalentTo(0))

		idx, err = q.TryInsert(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(idx).To(BeEquivalentTo(1))

		_, err = q.TryInsert(3)
		Expect(err).To(MatchError(ring.ErrFull))

		v, err := q.TryConsume()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(1))

		v, err = q.TryConsume()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(2))

		_, err = q.TryConsume()
		Expect(err).To(MatchError(ring.ErrEmpty))

		idx, err = q.TryInsertMany([]int{3, 4})
		Expect(err).NotTo(HaveOccurred())
		Expect(idx).To(BeEquivalentTo(2))

		v, err = q.TryConsume()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(3))

		v, err = q.TryConsume()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(4))

		Expect(q.Empty()).To(BeTrue())
	})

	It("rejects a non-power-of-two capacity", func() {
		_, err := ring.New[int](3)
		Expect(err).To(HaveOccurred())
	})

	It("never exceeds capacity under repeated insert/consume cycles", func() {
		q, err := ring.New[int](4)
		Expect(err).NotTo(HaveOccurred())
		for round := 0; round < 100; round++ {
			for i := 0; i < 4; i++ {
				_, err := q.TryInsert(i)
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := q.TryInsert(99)
			Expect(err).To(MatchError(ring.ErrFull))
			for i := 0; i < 4; i++ {
				v, err := q.TryConsume()
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal(i))
			}
		}
	})
})
